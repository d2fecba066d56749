package stream

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/arena/arena"
	"github.com/BaSui01/arena/arena/attachment"
	"github.com/BaSui01/arena/arena/wire"
	"github.com/BaSui01/arena/llm"
	"github.com/BaSui01/arena/testutil"
	"github.com/BaSui01/arena/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// =============================================================================
// 🎯 direct 模式
// =============================================================================

func TestOrchestrator_DirectEcho(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	provider := mocks.NewMockChatProvider("Hi", " there")
	f.registry.RegisterChat(provider, "alpha")

	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	err := f.orchestrator().Stream(testutil.TestContext(t), f.request("hello"), func(fr arena.Frame) bool {
		return enc.Encode(fr) == nil
	})
	require.NoError(t, err)

	assert.Equal(t, "0:\"Hi\"\n0:\" there\"\nd:{\"finishReason\":\"stop\"}\n", buf.String())

	asst := f.message(t, "asst")
	assert.Equal(t, "Hi there", asst.Content)
	assert.Equal(t, arena.StatusSuccess, asst.Status)
	assert.Equal(t, 1, f.store.Touches(f.session.ID))

	req := provider.LastRequest()
	require.NotNil(t, req)
	assert.Equal(t, "alpha-1", req.Model)
	assert.Equal(t, "hello", req.Prompt)
	assert.Equal(t, f.cfg.SystemPrompt, req.SystemPrompt)
	assert.Empty(t, req.History)
	assert.Equal(t, 1, f.recorder.branchCount(arena.StatusSuccess))
}

func TestOrchestrator_DirectPolicyViolation(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	f.registry.RegisterChat(mocks.NewMockChatProvider().WithStartError(&llm.Error{
		Code:       llm.ErrInvalidRequest,
		Message:    "Your request was rejected as a result of our safety system: content_policy_violation",
		HTTPStatus: http.StatusBadRequest,
	}), "alpha")

	log := &frameLog{}
	f.run(t, testutil.TestContext(t), f.request("something bad"), log)

	frames := log.all()
	require.Len(t, frames, 1)
	assert.Equal(t, arena.FrameError, frames[0].Kind)
	assert.Equal(t, llm.PolicyViolationMessage, frames[0].Done.Error)

	asst := f.message(t, "asst")
	assert.Equal(t, arena.StatusError, asst.Status)
	assert.Contains(t, asst.Metadata[arena.MetaError], "content_policy_violation")
	assert.Equal(t, []bool{true}, f.recorder.providerErrors)
}

// =============================================================================
// 🔀 compare 模式
// =============================================================================

func TestOrchestrator_BranchIsolation(t *testing.T) {
	tests := []struct {
		name        string
		a, b        *mocks.MockChatProvider
		failed      string
		failedText  string
		failedError string
		ok          string
		okText      string
	}{
		{
			name: "a fails before streaming",
			a: mocks.NewMockChatProvider().WithStartError(&llm.Error{
				Code: llm.ErrRateLimited, Message: "rate limited", HTTPStatus: http.StatusTooManyRequests,
			}),
			b:           mocks.NewMockChatProvider("OK"),
			failed:      "a1",
			failedError: "rate limited",
			ok:          "b1",
			okText:      "OK",
		},
		{
			name: "b fails mid-stream after a finished",
			a:    mocks.NewMockChatProvider("all", " good"),
			b: mocks.NewMockChatProvider("par", "tial", "never").
				WithDelay(5*time.Millisecond).
				WithErrorAfter(2, &llm.Error{Code: llm.ErrUpstreamError, Message: "upstream 502", HTTPStatus: http.StatusBadGateway}),
			failed:      "b1",
			failedText:  "partial",
			failedError: "upstream 502",
			ok:          "a1",
			okText:      "all good",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, arena.ModeCompare, arena.SessionLLM)
			f.registry.RegisterChat(tt.a, "alpha")
			f.registry.RegisterChat(tt.b, "beta")

			log := &frameLog{}
			f.run(t, testutil.TestContext(t), f.request("compare"), log)

			failed := f.message(t, tt.failed)
			assert.Equal(t, arena.StatusError, failed.Status)
			assert.Equal(t, tt.failedText, failed.Content)
			assert.Equal(t, tt.failedError, failed.Metadata[arena.MetaError])

			ok := f.message(t, tt.ok)
			assert.Equal(t, arena.StatusSuccess, ok.Status)
			assert.Equal(t, tt.okText, ok.Content)

			frames := log.all()
			for _, p := range []arena.Participant{arena.ParticipantA, arena.ParticipantB} {
				assert.Len(t, terminalFrames(frames, p), 1, "participant %s", p)
			}
			failedP := failed.Participant
			term := terminalFrames(frames, failedP)[0]
			assert.Equal(t, arena.FrameError, term.Kind)
			assert.Equal(t, llm.GenericProviderMessage, term.Done.Error)
			assert.Equal(t, arena.FrameDone, terminalFrames(frames, ok.Participant)[0].Kind)
			assert.Equal(t, tt.okText, testutil.TokenText(testutil.FramesFor(frames, ok.Participant)))
		})
	}
}

func TestOrchestrator_CompletionGating(t *testing.T) {
	f := newFixture(t, arena.ModeCompare, arena.SessionLLM)
	slow := make([]string, 300)
	for i := range slow {
		slow[i] = "s"
	}
	f.registry.RegisterChat(mocks.NewMockChatProvider("1", "2", "3"), "alpha")
	f.registry.RegisterChat(mocks.NewMockChatProvider(slow...).WithDelay(time.Millisecond), "beta")

	log := &frameLog{}
	f.run(t, testutil.TestContext(t), f.request("race"), log)
	frames := log.all()

	require.Len(t, frames, 3+1+300+1)
	isDone := func(p arena.Participant) func(arena.Frame) bool {
		return func(fr arena.Frame) bool { return fr.Participant == p && fr.Kind == arena.FrameDone }
	}
	aDone := indexOf(frames, isDone(arena.ParticipantA))
	bDone := indexOf(frames, isDone(arena.ParticipantB))
	lastB := lastIndexOf(frames, func(fr arena.Frame) bool {
		return fr.Participant == arena.ParticipantB && fr.Kind == arena.FrameToken
	})

	require.GreaterOrEqual(t, aDone, 0)
	assert.Less(t, aDone, lastB, "slow branch keeps streaming after the fast one finished")
	assert.Equal(t, len(frames)-1, bDone, "stream closes only after the slow branch's done")
	assert.Equal(t, "123", testutil.TokenText(testutil.FramesFor(frames, arena.ParticipantA)))
	assert.Equal(t, strings.Repeat("s", 300), f.message(t, "b1").Content)
}

func TestOrchestrator_OrderWithinBranch(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		fragsA := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z ]{1,6}`), 1, 30).Draw(rt, "a")
		fragsB := rapid.SliceOfN(rapid.StringMatching(`[0-9]{1,4}`), 1, 30).Draw(rt, "b")

		f := newFixture(t, arena.ModeCompare, arena.SessionLLM)
		f.logger = zap.NewNop()
		f.registry.RegisterChat(mocks.NewMockChatProvider(fragsA...), "alpha")
		f.registry.RegisterChat(mocks.NewMockChatProvider(fragsB...), "beta")

		log := &frameLog{}
		if err := f.orchestrator().Stream(context.Background(), f.request("go"), log.emit); err != nil {
			rt.Fatalf("stream: %v", err)
		}
		frames := log.all()

		for _, c := range []struct {
			id    string
			p     arena.Participant
			frags []string
		}{{"a1", arena.ParticipantA, fragsA}, {"b1", arena.ParticipantB, fragsB}} {
			if got := tokenTexts(frames, c.p); !assert.ObjectsAreEqual(c.frags, got) {
				rt.Fatalf("participant %s frames %q, want %q", c.p, got, c.frags)
			}
			m, err := f.store.GetMessage(context.Background(), c.id)
			if err != nil {
				rt.Fatalf("get %s: %v", c.id, err)
			}
			if want := strings.Join(c.frags, ""); m.Content != want {
				rt.Fatalf("persisted %q, want %q", m.Content, want)
			}
		}
	})
}

// =============================================================================
// 📜 历史与重新生成
// =============================================================================

func TestOrchestrator_HistoryPerBranchAndRegenerate(t *testing.T) {
	f := newFixture(t, arena.ModeCompare, arena.SessionLLM)
	provA := mocks.NewMockChatProvider("A")
	provB := mocks.NewMockChatProvider("B")
	f.registry.RegisterChat(provA, "alpha")
	f.registry.RegisterChat(provB, "beta")
	ctx := testutil.TestContext(t)

	f.run(t, ctx, f.request("first"), &frameLog{})

	second := TurnRequest{SessionID: f.session.ID, Messages: []IncomingMessage{
		{ID: "u2", Role: arena.RoleUser, Content: "second"},
		{ID: "a2", Role: arena.RoleAssistant, Participant: arena.ParticipantA},
		{ID: "b2", Role: arena.RoleAssistant, Participant: arena.ParticipantB},
	}}
	f.run(t, ctx, second, &frameLog{})

	testutil.AssertMessagesEqual(t, []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "A"},
	}, provA.LastRequest().History)
	testutil.AssertMessagesEqual(t, []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "B"},
	}, provB.LastRequest().History)

	// 只重新生成 a：复用 u2，a2 不进入上下文
	regen := TurnRequest{SessionID: f.session.ID, Messages: []IncomingMessage{
		{ID: "u2", Role: arena.RoleUser, Content: "ignored, already stored"},
		{ID: "a3", Role: arena.RoleAssistant, Participant: arena.ParticipantA},
	}}
	log := &frameLog{}
	f.run(t, ctx, regen, log)

	req := provA.LastRequest()
	assert.Equal(t, "second", req.Prompt)
	testutil.AssertMessagesEqual(t, []llm.Message{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "A"},
	}, req.History)
	assert.Len(t, provB.Calls(), 2)

	a3 := f.message(t, "a3")
	assert.Equal(t, arena.StatusSuccess, a3.Status)
	assert.Equal(t, []string{"u2"}, a3.ParentMessageIDs)
	assert.Equal(t, "model-a", a3.ModelID)
	assert.Empty(t, testutil.FramesFor(log.all(), arena.ParticipantB))
}

func TestOrchestrator_DocumentAttachment(t *testing.T) {
	f := newFixture(t, arena.ModeCompare, arena.SessionLLM)
	provA := mocks.NewMockChatProvider("ok")
	provB := mocks.NewMockChatProvider("ok")
	f.registry.RegisterChat(provA, "alpha")
	f.registry.RegisterChat(provB, "beta")

	extractor := &stubExtractor{text: "quarterly numbers"}
	resolver := attachment.NewResolver(f.store, f.logger, attachment.WithDocumentExtractor(extractor))

	req := f.request("summarize")
	req.Messages[0].DocPath = "docs/report.txt"
	f.run(t, testutil.TestContext(t), req, &frameLog{}, WithAttachmentResolver(resolver))

	want := "summarize" + attachment.DocumentHeader + "quarterly numbers"
	assert.Equal(t, want, provA.LastRequest().Prompt)
	assert.Equal(t, want, provB.LastRequest().Prompt)

	user := f.message(t, "u1")
	assert.Equal(t, "quarterly numbers", user.Metadata[arena.MetaExtractedText])
	assert.Equal(t, "summarize", user.Content)
	assert.Equal(t, 1, extractor.calls)
}

// =============================================================================
// 🚫 请求校验
// =============================================================================

func TestOrchestrator_PrepareRejects(t *testing.T) {
	tests := []struct {
		name    string
		mode    arena.SessionMode
		mutate  func(*TurnRequest)
		wantErr error
	}{
		{
			name:    "unknown session",
			mode:    arena.ModeDirect,
			mutate:  func(r *TurnRequest) { r.SessionID = "nope" },
			wantErr: arena.ErrNotFound,
		},
		{
			name:    "missing session id",
			mode:    arena.ModeDirect,
			mutate:  func(r *TurnRequest) { r.SessionID = "" },
			wantErr: ErrInvalidTurn,
		},
		{
			name:    "no user message",
			mode:    arena.ModeDirect,
			mutate:  func(r *TurnRequest) { r.Messages = r.Messages[1:] },
			wantErr: ErrInvalidTurn,
		},
		{
			name:    "no assistant",
			mode:    arena.ModeCompare,
			mutate:  func(r *TurnRequest) { r.Messages = r.Messages[:1] },
			wantErr: ErrInvalidTurn,
		},
		{
			name: "direct with two assistants",
			mode: arena.ModeDirect,
			mutate: func(r *TurnRequest) {
				r.Messages = append(r.Messages, IncomingMessage{ID: "x", Role: arena.RoleAssistant})
			},
			wantErr: ErrInvalidTurn,
		},
		{
			name:    "direct with labeled assistant",
			mode:    arena.ModeDirect,
			mutate:  func(r *TurnRequest) { r.Messages[1].Participant = arena.ParticipantA },
			wantErr: ErrInvalidTurn,
		},
		{
			name:    "compare with duplicate participant",
			mode:    arena.ModeCompare,
			mutate:  func(r *TurnRequest) { r.Messages[2].Participant = arena.ParticipantA },
			wantErr: ErrInvalidTurn,
		},
		{
			name:    "user message with model",
			mode:    arena.ModeDirect,
			mutate:  func(r *TurnRequest) { r.Messages[0].ModelID = "model-a" },
			wantErr: arena.ErrInvalidMessage,
		},
		{
			name:    "unknown role",
			mode:    arena.ModeDirect,
			mutate:  func(r *TurnRequest) { r.Messages[1].Role = "system" },
			wantErr: arena.ErrInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mode, arena.SessionLLM)
			req := f.request("hi")
			tt.mutate(&req)
			_, err := f.orchestrator().Prepare(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOrchestrator_PrepareRejectsUnknownModelWithoutWrites(t *testing.T) {
	f := newFixture(t, arena.ModeCompare, arena.SessionLLM)
	ctx := context.Background()

	req := f.request("hi")
	req.Messages[2].ModelID = "ghost"
	_, err := f.orchestrator().Prepare(ctx, req)
	require.ErrorIs(t, err, arena.ErrNotFound)

	for _, id := range []string{"u1", "a1", "b1"} {
		_, err := f.store.GetMessage(ctx, id)
		assert.ErrorIs(t, err, arena.ErrNotFound, id)
	}

	// 修正后的同一请求可以正常开始
	turn, err := f.orchestrator().Prepare(ctx, f.request("hi"))
	require.NoError(t, err)
	require.Len(t, turn.Models, 2)
	assert.Equal(t, "model-b", turn.Models[1].ID)
	assert.Equal(t, "u1", turn.Assistants[1].ParentMessageIDs[0])
}

func TestOrchestrator_PrepareAbandonsPlaceholdersOnCreateFailure(t *testing.T) {
	f := newFixture(t, arena.ModeCompare, arena.SessionLLM)
	ctx := context.Background()
	// u1 和 a1 写入成功，b1 失败
	f.store.WithCreateErrorAfter(2, assert.AnError)

	_, err := f.orchestrator().Prepare(ctx, f.request("hi"))
	require.ErrorIs(t, err, assert.AnError)

	a := f.message(t, "a1")
	assert.Equal(t, arena.StatusError, a.Status)
	assert.Contains(t, a.Metadata[arena.MetaError], "create assistant message")
	_, err = f.store.GetMessage(ctx, "b1")
	assert.ErrorIs(t, err, arena.ErrNotFound)
}

func TestOrchestrator_PrepareAssignsUserID(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	req := f.request("hi")
	req.Messages[0].ID = ""

	turn, err := f.orchestrator().Prepare(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, turn.User.ID)
	assert.Equal(t, []string{turn.User.ID}, turn.Assistants[0].ParentMessageIDs)
	assert.Equal(t, "hi", f.message(t, turn.User.ID).Content)
}

func TestOrchestrator_PrepareRejectsFinalizedAssistant(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	f.registry.RegisterChat(mocks.NewMockChatProvider("done"), "alpha")
	ctx := context.Background()
	f.run(t, ctx, f.request("hi"), &frameLog{})

	_, err := f.orchestrator().Prepare(ctx, f.request("hi"))
	assert.ErrorIs(t, err, arena.ErrMessageFinalized)
}

func TestOrchestrator_MissingModelFailsBranch(t *testing.T) {
	f := newFixture(t, arena.ModeCompare, arena.SessionLLM)
	f.session.ModelB = nil
	f.store.PutSession(f.session)
	f.registry.RegisterChat(mocks.NewMockChatProvider("ok"), "alpha")

	log := &frameLog{}
	f.run(t, context.Background(), f.request("hi"), log)

	assert.Equal(t, arena.StatusSuccess, f.message(t, "a1").Status)
	assert.Equal(t, arena.StatusError, f.message(t, "b1").Status)
	require.Len(t, terminalFrames(log.all(), arena.ParticipantB), 1)
}

func TestOrchestrator_UnroutableModel(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	log := &frameLog{}
	f.run(t, context.Background(), f.request("hi"), log)

	asst := f.message(t, "asst")
	assert.Equal(t, arena.StatusError, asst.Status)
	assert.Contains(t, asst.Metadata[arena.MetaError], "no chat provider registered")
	require.Len(t, log.all(), 1)
	assert.Equal(t, llm.GenericProviderMessage, log.all()[0].Done.Error)
}
