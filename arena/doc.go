// Package arena 定义多模型对战（arena）流式核心的领域模型。
//
// 一次用户回合（turn）会把同一个 prompt 扇出到一个（direct）或两个（compare）
// 独立选择的模型，每个模型对应一个分支（participant "a" / "b"），分支的增量输出
// 以 Frame 的形式写入同一个多路复用的响应通道。
//
// 子包：
//   - store:      基于 gorm 的 Session/Message/AcademicPrompt 持久化
//   - history:    会话历史加载
//   - attachment: 附件（文档/音频/图片）解析与缓存
//   - stream:     分支驱动、双流合并与回合编排
//   - wire:       行协议编码
package arena
