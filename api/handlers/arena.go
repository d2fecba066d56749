package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/arena/arena"
	"github.com/BaSui01/arena/arena/stream"
	"github.com/BaSui01/arena/arena/wire"
	"github.com/BaSui01/arena/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// TurnRunner 由 *stream.Orchestrator 实现
type TurnRunner interface {
	Prepare(ctx context.Context, req stream.TurnRequest) (*stream.Turn, error)
	Run(ctx context.Context, t *stream.Turn, emit stream.Emitter) error
}

// WebSocketConfig WebSocket 入口参数
type WebSocketConfig struct {
	// OriginPatterns 允许的跨域 Origin，空表示只接受同源
	OriginPatterns []string
	// WriteTimeout 单帧写超时
	WriteTimeout time.Duration
}

// =============================================================================
// 🏟️ Arena 流式 Handler
// =============================================================================

// ArenaHandler 把一个回合请求转成行协议流，HTTP 与 WebSocket 两种传输共用 TurnRunner
type ArenaHandler struct {
	runner TurnRunner
	ws     WebSocketConfig
	logger *zap.Logger
}

// NewArenaHandler 创建 Arena 处理器
func NewArenaHandler(runner TurnRunner, ws WebSocketConfig, logger *zap.Logger) *ArenaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ws.WriteTimeout <= 0 {
		ws.WriteTimeout = 10 * time.Second
	}
	return &ArenaHandler{
		runner: runner,
		ws:     ws,
		logger: logger.With(zap.String("handler", "arena")),
	}
}

// HandleStream 处理 POST /api/v1/arena/stream。
// 校验失败返回 JSON 错误；通过后以 200 开始流式输出，之后的失败只体现为错误帧。
func (h *ArenaHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req stream.TurnRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	ctx := r.Context()
	turn, err := h.runner.Prepare(ctx, req)
	if err != nil {
		WriteError(w, turnError(err), h.logger)
		return
	}

	header := w.Header()
	header.Set("Content-Type", wire.ContentType)
	header.Set(wire.StreamHeader, wire.StreamHeaderValue)
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := wire.NewEncoder(w)
	gone := false
	emit := func(f arena.Frame) bool {
		if gone {
			return false
		}
		if err := enc.Encode(f); err != nil {
			gone = true
			h.logger.Info("client went away, branches continue detached",
				zap.String("session_id", req.SessionID), zap.Error(err))
			return false
		}
		return true
	}

	if err := h.runner.Run(ctx, turn, emit); err != nil {
		h.logger.Warn("turn finished with errors", zap.String("session_id", req.SessionID), zap.Error(err))
	}
	h.logger.Debug("stream closed",
		zap.String("session_id", req.SessionID),
		zap.Int("frames", enc.Frames()))
}

// HandleWebSocket 处理 GET /api/v1/arena/ws。
// 客户端先发送一条 JSON 回合请求，服务端逐帧回推文本消息，回合结束后正常关闭。
func (h *ArenaHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.ws.OriginPatterns,
	})
	if err != nil {
		// Accept 已写出握手错误
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxBodyBytes)

	ctx := r.Context()
	var req stream.TurnRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		h.logger.Debug("websocket read failed", zap.Error(err))
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid turn request")
		return
	}

	turn, err := h.runner.Prepare(ctx, req)
	if err != nil {
		apiErr := turnError(err)
		h.logger.Warn("websocket turn rejected", zap.String("code", string(apiErr.Code)), zap.Error(err))
		conn.Close(closeStatus(apiErr), closeReason(apiErr))
		return
	}

	// 之后客户端不应再发数据；对端关闭时 ctx 被取消
	ctx = conn.CloseRead(ctx)

	gone := false
	emit := func(f arena.Frame) bool {
		if gone {
			return false
		}
		line, err := wire.Line(f)
		if err != nil {
			h.logger.Error("encode frame", zap.Error(err))
			return true
		}
		wctx, cancel := context.WithTimeout(ctx, h.ws.WriteTimeout)
		defer cancel()
		if err := conn.Write(wctx, websocket.MessageText, []byte(line)); err != nil {
			gone = true
			return false
		}
		return true
	}

	if err := h.runner.Run(ctx, turn, emit); err != nil {
		h.logger.Warn("turn finished with errors", zap.String("session_id", req.SessionID), zap.Error(err))
	}
	conn.Close(websocket.StatusNormalClosure, "turn complete")
}

// =============================================================================
// 🔄 错误映射
// =============================================================================

// turnError 把 Prepare 的错误映射为 API 错误码
func turnError(err error) *types.Error {
	switch {
	case errors.Is(err, stream.ErrInvalidTurn):
		return types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err)
	case errors.Is(err, arena.ErrInvalidMessage):
		return types.NewError(types.ErrInvalidMessage, err.Error()).WithCause(err)
	case errors.Is(err, arena.ErrNotFound):
		return types.NewError(types.ErrNotFound, err.Error()).WithCause(err)
	case errors.Is(err, arena.ErrMessageFinalized):
		return types.NewError(types.ErrConflict, err.Error()).WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrTimeout, "request timed out").WithCause(err).WithRetryable(true)
	default:
		return types.NewError(types.ErrInternalError, "failed to prepare turn").WithCause(err).WithRetryable(true)
	}
}

func closeStatus(e *types.Error) websocket.StatusCode {
	if mapErrorCodeToHTTPStatus(e.Code) < http.StatusInternalServerError {
		return websocket.StatusPolicyViolation
	}
	return websocket.StatusInternalError
}

// closeReason 截断到控制帧允许的 123 字节
// closeReason 控制帧 reason 最多 123 字节，截断落在 rune 边界上
func closeReason(e *types.Error) string {
	const maxReason = 123
	reason := string(e.Code) + ": " + e.Message
	if len(reason) <= maxReason {
		return reason
	}
	n := maxReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
