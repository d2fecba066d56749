// Package providers 汇集各厂商适配器共享的 HTTP 错误映射、OpenAI 兼容线格式与配置类型。
// 具体厂商实现位于子包中。
package providers
