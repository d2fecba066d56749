// Copyright (c) Arena Authors.
// Licensed under the MIT License.

/*
Package types 提供 Arena 服务跨包共享的错误类型。

# 核心类型

  - ErrorCode: API 层统一错误码（INVALID_REQUEST、NOT_FOUND、CONFLICT 等）
  - Error: 结构化错误，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - 链式构造：NewError(...).WithCause(...).WithHTTPStatus(...)
  - 错误链查找：AsError / GetErrorCode / IsRetryable
*/
package types
