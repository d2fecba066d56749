package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/arena/arena"
	"github.com/BaSui01/arena/arena/stream"
	"github.com/BaSui01/arena/arena/wire"
	"github.com/BaSui01/arena/llm"
	"github.com/BaSui01/arena/testutil"
	"github.com/BaSui01/arena/testutil/mocks"
	"github.com/BaSui01/arena/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// 🧪 测试夹具
// =============================================================================

type arenaFixture struct {
	store    *mocks.MemoryStore
	registry *llm.Registry
	server   *httptest.Server
}

func newArenaFixture(t *testing.T, mode arena.SessionMode) *arenaFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sess := &arena.Session{
		ID:     "sess-1",
		Mode:   mode,
		Type:   arena.SessionLLM,
		ModelA: &arena.Model{ID: "model-a", Code: "alpha-1", Provider: "alpha", Type: arena.SessionLLM},
	}
	if mode.IsCompare() {
		sess.ModelB = &arena.Model{ID: "model-b", Code: "beta-1", Provider: "beta", Type: arena.SessionLLM}
	}
	store := mocks.NewMemoryStore()
	store.PutSession(sess)
	registry := llm.NewRegistry(nil)

	cfg := stream.DefaultConfig()
	cfg.PersistTimeout = time.Second
	cfg.TurnTimeout = 10 * time.Second
	orch := stream.NewOrchestrator(store, stream.NewDriver(store, registry, cfg, logger), logger)

	h := NewArenaHandler(orch, WebSocketConfig{WriteTimeout: time.Second}, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/arena/stream", h.HandleStream)
	mux.HandleFunc("GET /api/v1/arena/ws", h.HandleWebSocket)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &arenaFixture{store: store, registry: registry, server: srv}
}

func directRequest() stream.TurnRequest {
	return stream.TurnRequest{
		SessionID: "sess-1",
		Messages: []stream.IncomingMessage{
			{ID: "u1", Role: arena.RoleUser, Content: "hello"},
			{ID: "asst", Role: arena.RoleAssistant},
		},
	}
}

func compareRequest() stream.TurnRequest {
	return stream.TurnRequest{
		SessionID: "sess-1",
		Messages: []stream.IncomingMessage{
			{ID: "u1", Role: arena.RoleUser, Content: "hello"},
			{ID: "a1", Role: arena.RoleAssistant, Participant: arena.ParticipantA},
			{ID: "b1", Role: arena.RoleAssistant, Participant: arena.ParticipantB},
		},
	}
}

func (f *arenaFixture) post(t *testing.T, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	resp, err := http.Post(f.server.URL+"/api/v1/arena/stream", "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readFrames(t *testing.T, r io.Reader) []arena.Frame {
	t.Helper()
	dec := wire.NewDecoder(r)
	var frames []arena.Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func decodeError(t *testing.T, resp *http.Response) *ErrorInfo {
	t.Helper()
	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	return body.Error
}

func (f *arenaFixture) message(t *testing.T, id string) *arena.Message {
	t.Helper()
	m, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

// =============================================================================
// 🧪 HTTP 流
// =============================================================================

func TestArenaHandler_HandleStream_Direct(t *testing.T) {
	f := newArenaFixture(t, arena.ModeDirect)
	f.registry.RegisterChat(mocks.NewMockChatProvider("Hi", " there"), "alpha")

	resp := f.post(t, directRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, wire.ContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, wire.StreamHeaderValue, resp.Header.Get(wire.StreamHeader))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "0:\"Hi\"\n0:\" there\"\nd:{\"finishReason\":\"stop\"}\n", string(raw))

	asst := f.message(t, "asst")
	assert.Equal(t, "Hi there", asst.Content)
	assert.Equal(t, arena.StatusSuccess, asst.Status)
}

func TestArenaHandler_HandleStream_Compare(t *testing.T) {
	f := newArenaFixture(t, arena.ModeCompare)
	f.registry.RegisterChat(mocks.NewMockChatProvider("left"), "alpha")
	f.registry.RegisterChat(mocks.NewMockChatProvider("right", "!"), "beta")

	resp := f.post(t, compareRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp.Body)
	texts := map[arena.Participant]string{}
	terminals := map[arena.Participant]int{}
	for _, fr := range frames {
		require.NotEqual(t, arena.ParticipantNone, fr.Participant, "compare frames carry a participant")
		if fr.Kind == arena.FrameToken {
			texts[fr.Participant] += fr.Text
		}
		if fr.Terminal() {
			terminals[fr.Participant]++
			assert.Equal(t, arena.FrameDone, fr.Kind)
		}
	}
	assert.Equal(t, "left", texts[arena.ParticipantA])
	assert.Equal(t, "right!", texts[arena.ParticipantB])
	assert.Equal(t, 1, terminals[arena.ParticipantA])
	assert.Equal(t, 1, terminals[arena.ParticipantB])

	assert.Equal(t, "left", f.message(t, "a1").Content)
	assert.Equal(t, "right!", f.message(t, "b1").Content)
}

func TestArenaHandler_HandleStream_ProviderErrorIsAFrame(t *testing.T) {
	f := newArenaFixture(t, arena.ModeDirect)
	f.registry.RegisterChat(mocks.NewMockChatProvider().WithStartError(errors.New("boom")), "alpha")

	resp := f.post(t, directRequest())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp.Body)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, arena.FrameError, last.Kind)
	assert.Equal(t, arena.StatusError, f.message(t, "asst").Status)
}

func TestArenaHandler_HandleStream_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{
			name:       "malformed json",
			body:       `{"sessionId":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidRequest,
		},
		{
			name:       "unknown field",
			body:       `{"sessionId":"sess-1","extra":true}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidRequest,
		},
		{
			name:       "missing session id",
			body:       stream.TurnRequest{Messages: directRequest().Messages},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidRequest,
		},
		{
			name: "unknown session",
			body: func() stream.TurnRequest {
				req := directRequest()
				req.SessionID = "nope"
				return req
			}(),
			wantStatus: http.StatusNotFound,
			wantCode:   types.ErrNotFound,
		},
		{
			name: "unknown role",
			body: func() stream.TurnRequest {
				req := directRequest()
				req.Messages = append(req.Messages, stream.IncomingMessage{ID: "s1", Role: "system"})
				return req
			}(),
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidMessage,
		},
		{
			name:       "compare placeholder in direct session",
			body:       compareRequest(),
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newArenaFixture(t, arena.ModeDirect)
			resp := f.post(t, tt.body)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, string(tt.wantCode), decodeError(t, resp).Code)
		})
	}
}

func TestArenaHandler_HandleStream_FinalizedPlaceholderConflicts(t *testing.T) {
	f := newArenaFixture(t, arena.ModeDirect)
	f.registry.RegisterChat(mocks.NewMockChatProvider("once"), "alpha")

	first := f.post(t, directRequest())
	require.Equal(t, http.StatusOK, first.StatusCode)
	_, err := io.ReadAll(first.Body)
	require.NoError(t, err)

	second := f.post(t, directRequest())
	assert.Equal(t, http.StatusConflict, second.StatusCode)
	assert.Equal(t, string(types.ErrConflict), decodeError(t, second).Code)
}

func TestArenaHandler_HandleStream_ContentType(t *testing.T) {
	f := newArenaFixture(t, arena.ModeDirect)

	resp, err := http.Post(f.server.URL+"/api/v1/arena/stream", "text/plain", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

// =============================================================================
// 🧪 WebSocket
// =============================================================================

func (f *arenaFixture) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/arena/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestArenaHandler_HandleWebSocket_Compare(t *testing.T) {
	f := newArenaFixture(t, arena.ModeCompare)
	f.registry.RegisterChat(mocks.NewMockChatProvider("left"), "alpha")
	f.registry.RegisterChat(mocks.NewMockChatProvider("right"), "beta")

	ctx := testutil.TestContext(t)
	conn := f.dial(t, ctx)
	require.NoError(t, wsjson.Write(ctx, conn, compareRequest()))

	var frames []arena.Frame
	var closeErr error
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			closeErr = err
			break
		}
		assert.Equal(t, websocket.MessageText, typ)
		fr, err := wire.ParseLine(string(data))
		require.NoError(t, err)
		frames = append(frames, fr)
	}
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(closeErr))

	terminals := 0
	for _, fr := range frames {
		if fr.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 2, terminals)
	assert.Equal(t, arena.StatusSuccess, f.message(t, "a1").Status)
	assert.Equal(t, arena.StatusSuccess, f.message(t, "b1").Status)
}

func TestArenaHandler_HandleWebSocket_RejectsInvalidTurn(t *testing.T) {
	f := newArenaFixture(t, arena.ModeDirect)

	ctx := testutil.TestContext(t)
	conn := f.dial(t, ctx)
	req := directRequest()
	req.SessionID = "nope"
	require.NoError(t, wsjson.Write(ctx, conn, req))

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestArenaHandler_HandleWebSocket_MalformedRequest(t *testing.T) {
	f := newArenaFixture(t, arena.ModeDirect)

	ctx := testutil.TestContext(t)
	conn := f.dial(t, ctx)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not-json")))

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusInvalidFramePayloadData, websocket.CloseStatus(err))
}

func TestTurnError(t *testing.T) {
	tests := []struct {
		err  error
		want types.ErrorCode
	}{
		{stream.ErrInvalidTurn, types.ErrInvalidRequest},
		{arena.ErrInvalidMessage, types.ErrInvalidMessage},
		{arena.ErrNotFound, types.ErrNotFound},
		{arena.ErrMessageFinalized, types.ErrConflict},
		{context.DeadlineExceeded, types.ErrTimeout},
		{errors.New("db down"), types.ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := turnError(tt.err)
			assert.Equal(t, tt.want, got.Code)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestCloseReason_Truncates(t *testing.T) {
	e := types.NewError(types.ErrInvalidRequest, strings.Repeat("x", 300))
	assert.Len(t, closeReason(e), 123)
	assert.Equal(t, websocket.StatusPolicyViolation, closeStatus(e))
	assert.Equal(t, websocket.StatusInternalError, closeStatus(types.NewError(types.ErrInternalError, "x")))
}

func TestCloseReason_KeepsRunesWhole(t *testing.T) {
	for pad := 0; pad < 3; pad++ {
		msg := strings.Repeat("a", pad) + strings.Repeat("模型超时", 40)
		e := types.NewError(types.ErrUpstreamError, msg)
		got := closeReason(e)
		assert.LessOrEqual(t, len(got), 123)
		assert.GreaterOrEqual(t, len(got), 121)
		assert.True(t, utf8.ValidString(got), "pad=%d: %q", pad, got)
		assert.True(t, strings.HasPrefix(string(e.Code)+": "+msg, got))
	}
}
