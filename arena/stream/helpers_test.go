package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/arena/arena"
	"github.com/BaSui01/arena/llm"
	"github.com/BaSui01/arena/testutil/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// frameLog 记录收到的帧；stopAfter > 0 时在第 stopAfter 帧之后返回 false
type frameLog struct {
	mu        sync.Mutex
	frames    []arena.Frame
	stopAfter int
}

func (l *frameLog) emit(f arena.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopAfter > 0 && len(l.frames) >= l.stopAfter {
		return false
	}
	l.frames = append(l.frames, f)
	return l.stopAfter == 0 || len(l.frames) < l.stopAfter
}

func (l *frameLog) all() []arena.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]arena.Frame(nil), l.frames...)
}

func terminalFrames(frames []arena.Frame, p arena.Participant) []arena.Frame {
	var out []arena.Frame
	for _, f := range frames {
		if f.Participant == p && f.Terminal() {
			out = append(out, f)
		}
	}
	return out
}

func tokenTexts(frames []arena.Frame, p arena.Participant) []string {
	var out []string
	for _, f := range frames {
		if f.Participant == p && f.Kind == arena.FrameToken {
			out = append(out, f.Text)
		}
	}
	return out
}

func indexOf(frames []arena.Frame, match func(arena.Frame) bool) int {
	for i, f := range frames {
		if match(f) {
			return i
		}
	}
	return -1
}

func lastIndexOf(frames []arena.Frame, match func(arena.Frame) bool) int {
	for i := len(frames) - 1; i >= 0; i-- {
		if match(frames[i]) {
			return i
		}
	}
	return -1
}

// fakeRecorder 记录观测事件
type fakeRecorder struct {
	mu             sync.Mutex
	branches       map[string]int
	frames         map[string]int
	persistFailed  map[string]int
	providerErrors []bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		branches:      map[string]int{},
		frames:        map[string]int{},
		persistFailed: map[string]int{},
	}
}

func (r *fakeRecorder) RecordBranch(_, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.branches[status]++
}

func (r *fakeRecorder) RecordFrame(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[kind]++
}

func (r *fakeRecorder) RecordPersistFailure(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistFailed[op]++
}

func (r *fakeRecorder) RecordProviderError(_ string, policy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providerErrors = append(r.providerErrors, policy)
}

func (r *fakeRecorder) branchCount(status arena.MessageStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.branches[string(status)]
}

// fixture 组装内存存储、路由表和编排器
type fixture struct {
	store    *mocks.MemoryStore
	registry *llm.Registry
	session  *arena.Session
	cfg      Config
	recorder *fakeRecorder
	logger   *zap.Logger
}

func newFixture(t *testing.T, mode arena.SessionMode, typ arena.SessionType) *fixture {
	t.Helper()
	sess := &arena.Session{
		ID:     "sess-1",
		Mode:   mode,
		Type:   typ,
		ModelA: &arena.Model{ID: "model-a", Code: "alpha-1", Provider: "alpha", Type: typ},
	}
	if mode.IsCompare() {
		sess.ModelB = &arena.Model{ID: "model-b", Code: "beta-1", Provider: "beta", Type: typ}
	}
	store := mocks.NewMemoryStore()
	store.PutSession(sess)

	cfg := DefaultConfig()
	cfg.PersistTimeout = time.Second
	cfg.TurnTimeout = 10 * time.Second
	return &fixture{
		store:    store,
		registry: llm.NewRegistry(nil),
		session:  sess,
		cfg:      cfg,
		recorder: newFakeRecorder(),
		logger:   zaptest.NewLogger(t),
	}
}

func (f *fixture) orchestrator(opts ...DriverOption) *Orchestrator {
	opts = append([]DriverOption{WithRecorder(f.recorder)}, opts...)
	d := NewDriver(f.store, f.registry, f.cfg, f.logger, opts...)
	return NewOrchestrator(f.store, d, f.logger)
}

// request 构造一个新回合：u1 加上 direct 的 asst 或 compare 的 a1/b1
func (f *fixture) request(content string) TurnRequest {
	req := TurnRequest{
		SessionID: f.session.ID,
		Messages:  []IncomingMessage{{ID: "u1", Role: arena.RoleUser, Content: content}},
	}
	if f.session.Mode.IsCompare() {
		req.Messages = append(req.Messages,
			IncomingMessage{ID: "a1", Role: arena.RoleAssistant, Participant: arena.ParticipantA},
			IncomingMessage{ID: "b1", Role: arena.RoleAssistant, Participant: arena.ParticipantB},
		)
	} else {
		req.Messages = append(req.Messages, IncomingMessage{ID: "asst", Role: arena.RoleAssistant})
	}
	return req
}

func (f *fixture) run(t *testing.T, ctx context.Context, req TurnRequest, log *frameLog, opts ...DriverOption) {
	t.Helper()
	require.NoError(t, f.orchestrator(opts...).Stream(ctx, req, log.emit))
}

func (f *fixture) message(t *testing.T, id string) *arena.Message {
	t.Helper()
	m, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return m
}

// stubExtractor 返回固定的文档文本并计数
type stubExtractor struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (s *stubExtractor) Extract(context.Context, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.text, nil
}

type stubSigner struct{}

func (stubSigner) SignURL(_ context.Context, key string) (string, error) {
	return "https://signed.example/" + key + "?sig=1", nil
}
