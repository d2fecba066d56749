// Package tlsutil 提供厂商 HTTP 客户端共用的 TLS 加固配置（TLS 1.2+，仅 AEAD 密码套件），
// 区分一次性请求客户端与流式客户端的超时策略。
package tlsutil
