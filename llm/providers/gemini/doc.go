/*
包 gemini 提供 Google Gemini 的流式适配器（streamGenerateContent?alt=sse）。

与 OpenAI 格式的差异：

  - 认证使用 x-goog-api-key 请求头
  - system prompt 走 systemInstruction 字段，assistant 角色映射为 model
  - 图片附件先从签名 URL 下载，再以 base64 inlineData 内嵌
  - promptFeedback.blockReason 与 SAFETY 类 finishReason 视为内容策略拒绝
*/
package gemini
