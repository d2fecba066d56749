package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/arena/arena"
	"github.com/BaSui01/arena/arena/attachment"
	"github.com/BaSui01/arena/llm"
	"github.com/BaSui01/arena/testutil"
	"github.com/BaSui01/arena/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// 🔌 客户端断开
// =============================================================================

func TestDriver_ClientGoneCancelsWithoutDetach(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	f.cfg.DetachOnDisconnect = false
	provider := mocks.NewMockChatProvider("one", "two", "three").WithDelay(10 * time.Millisecond)
	f.registry.RegisterChat(provider, "alpha")

	log := &frameLog{stopAfter: 1}
	f.run(t, testutil.TestContext(t), f.request("hi"), log)

	assert.Len(t, log.all(), 1)
	asst := f.message(t, "asst")
	assert.Equal(t, arena.StatusError, asst.Status)
	assert.Equal(t, "one", asst.Content)
	assert.Contains(t, asst.Metadata[arena.MetaError], "client disconnected")
	assert.True(t, provider.Cancelled())
}

func TestDriver_ClientGoneDetachedFinishes(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	f.registry.RegisterChat(mocks.NewMockChatProvider("one", "two", "three").WithDelay(5*time.Millisecond), "alpha")

	log := &frameLog{stopAfter: 1}
	f.run(t, testutil.TestContext(t), f.request("hi"), log)

	assert.Len(t, log.all(), 1)
	asst := f.message(t, "asst")
	assert.Equal(t, arena.StatusSuccess, asst.Status)
	assert.Equal(t, "onetwothree", asst.Content)
}

func TestDriver_RequestCancelledMidStream(t *testing.T) {
	tests := []struct {
		name   string
		detach bool
		want   arena.MessageStatus
	}{
		{name: "attached", detach: false, want: arena.StatusError},
		{name: "detached", detach: true, want: arena.StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
			f.cfg.DetachOnDisconnect = tt.detach
			started, release := make(chan struct{}), make(chan struct{})
			f.registry.RegisterChat(mocks.NewMockChatProvider("late").WithGate(started, release), "alpha")

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- f.orchestrator().Stream(ctx, f.request("hi"), (&frameLog{}).emit)
			}()

			_, ok := testutil.WaitForChannel(started, 5*time.Second)
			require.True(t, ok, "provider never started")
			cancel()
			close(release)

			_, ok = testutil.WaitForChannel(done, 5*time.Second)
			require.True(t, ok, "branch did not finish")

			asst := f.message(t, "asst")
			assert.Equal(t, tt.want, asst.Status)
			assert.False(t, asst.Status == arena.StatusStreaming)
		})
	}
}

func TestDriver_TurnTimeout(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	f.cfg.TurnTimeout = 50 * time.Millisecond
	started, release := make(chan struct{}), make(chan struct{})
	defer close(release)
	f.registry.RegisterChat(mocks.NewMockChatProvider("never").WithGate(started, release), "alpha")

	log := &frameLog{}
	f.run(t, testutil.TestContext(t), f.request("hi"), log)

	asst := f.message(t, "asst")
	assert.Equal(t, arena.StatusError, asst.Status)
	assert.Contains(t, asst.Metadata[arena.MetaError], "timed out")
	require.Len(t, log.all(), 1)
	assert.Equal(t, arena.FrameError, log.all()[0].Kind)
}

// =============================================================================
// 💾 落库节奏
// =============================================================================

func TestDriver_FlushCadence(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	f.cfg.FlushEvery = 2
	f.cfg.FlushInterval = time.Hour
	f.registry.RegisterChat(mocks.NewMockChatProvider("a", "b", "c", "d", "e"), "alpha")

	f.run(t, testutil.TestContext(t), f.request("hi"), &frameLog{})

	var checkpoints []string
	var statuses []arena.MessageStatus
	for _, upd := range f.store.Updates("asst") {
		if upd.Status != nil {
			statuses = append(statuses, *upd.Status)
			continue
		}
		require.NotNil(t, upd.Content)
		checkpoints = append(checkpoints, *upd.Content)
	}
	assert.Equal(t, []string{"a", "abc", "abcde"}, checkpoints)
	assert.Equal(t, []arena.MessageStatus{arena.StatusStreaming, arena.StatusSuccess}, statuses)
}

func TestDriver_SetConfigAppliesToLaterBranches(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	provider := mocks.NewMockChatProvider("ok")
	f.registry.RegisterChat(provider, "alpha")
	o := f.orchestrator()

	require.NoError(t, o.Stream(context.Background(), f.request("first"), (&frameLog{}).emit))
	assert.Equal(t, f.cfg.SystemPrompt, provider.LastRequest().SystemPrompt)

	next := o.driver.Config()
	next.SystemPrompt = "Answer in French."
	next.FlushEvery = 0
	o.driver.SetConfig(next)
	assert.Equal(t, DefaultConfig().FlushEvery, o.driver.Config().FlushEvery)

	req := f.request("second")
	req.Messages[0].ID = "u2"
	req.Messages[1].ID = "asst2"
	require.NoError(t, o.Stream(context.Background(), req, (&frameLog{}).emit))
	assert.Equal(t, "Answer in French.", provider.LastRequest().SystemPrompt)
}

func TestDriver_PersistFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	f.registry.RegisterChat(mocks.NewMockChatProvider("still", " streaming"), "alpha")
	o := f.orchestrator()

	turn, err := o.Prepare(context.Background(), f.request("hi"))
	require.NoError(t, err)
	f.store.WithUpdateError(errors.New("db down"))

	log := &frameLog{}
	require.NoError(t, o.Run(context.Background(), turn, log.emit))

	assert.Equal(t, "still streaming", testutil.TokenText(log.all()))
	frames := log.all()
	assert.Equal(t, arena.FrameDone, frames[len(frames)-1].Kind)

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	assert.Equal(t, 1, f.recorder.persistFailed["start"])
	assert.Equal(t, 1, f.recorder.persistFailed["finalize"])
	assert.GreaterOrEqual(t, f.recorder.persistFailed["checkpoint"], 1)
}

func TestDriver_PanickingProviderEndsInError(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	f.registry.RegisterChat(mocks.NewMockChatProvider().WithStreamFunc(
		func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
			panic("adapter bug")
		}), "alpha")

	log := &frameLog{}
	f.run(t, testutil.TestContext(t), f.request("hi"), log)

	asst := f.message(t, "asst")
	assert.Equal(t, arena.StatusError, asst.Status)
	assert.Contains(t, asst.Metadata[arena.MetaError], "adapter bug")
	require.Len(t, log.all(), 1)
	assert.Equal(t, arena.FrameError, log.all()[0].Kind)
}

// =============================================================================
// 🎙️ ASR / TTS
// =============================================================================

func TestDriver_ASRBranch(t *testing.T) {
	f := newFixture(t, arena.ModeCompare, arena.SessionASR)
	asrA := mocks.NewMockASRProvider("hello world")
	asrB := mocks.NewMockASRProvider("").WithError(&llm.Error{Code: llm.ErrUpstreamError, Message: "deepgram 500"})
	f.registry.RegisterASR(asrA, "alpha")
	f.registry.RegisterASR(asrB, "beta")

	req := f.request("")
	req.Messages[0].AudioPath = "uploads/u1.wav"
	req.Messages[0].Language = "en"
	log := &frameLog{}
	f.run(t, testutil.TestContext(t), req, log)

	frames := log.all()
	aFrames := testutil.FramesFor(frames, arena.ParticipantA)
	require.Len(t, aFrames, 2)
	assert.Equal(t, arena.TokenFrame(arena.ParticipantA, "hello world"), aFrames[0])
	assert.Equal(t, arena.DoneFrame(arena.ParticipantA), aFrames[1])

	a := f.message(t, "a1")
	assert.Equal(t, "hello world", a.Content)
	assert.Equal(t, arena.StatusSuccess, a.Status)

	b := f.message(t, "b1")
	assert.Equal(t, arena.StatusError, b.Status)
	assert.Equal(t, "deepgram 500", b.Metadata[arena.MetaError])
	assert.Equal(t, 1, asrA.CallCount())
}

func TestDriver_ASREmptyTranscriptStillEmitsToken(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionASR)
	asr := mocks.NewMockASRProvider("")
	f.registry.RegisterASR(asr, "alpha")

	req := f.request("")
	req.Messages[0].AudioPath = "uploads/silence.wav"
	log := &frameLog{}
	f.run(t, testutil.TestContext(t), req, log)

	frames := log.all()
	require.Len(t, frames, 2)
	assert.Equal(t, arena.TokenFrame(arena.ParticipantNone, ""), frames[0])
	assert.Equal(t, arena.DoneFrame(arena.ParticipantNone), frames[1])

	a := f.message(t, "asst")
	assert.Equal(t, arena.StatusSuccess, a.Status)
	assert.Empty(t, a.Content)
}

func TestDriver_ASRWithoutAudio(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionASR)
	asr := mocks.NewMockASRProvider("unused")
	f.registry.RegisterASR(asr, "alpha")

	log := &frameLog{}
	f.run(t, testutil.TestContext(t), f.request(""), log)

	assert.Equal(t, arena.StatusError, f.message(t, "asst").Status)
	assert.Zero(t, asr.CallCount())
}

func TestDriver_TTSDirectSignsAudio(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionTTS)
	tts := mocks.NewMockTTSProvider("s3://audio/")
	f.registry.RegisterTTS(tts, "alpha")

	log := &frameLog{}
	f.run(t, testutil.TestContext(t), f.request("read me aloud"), log, WithAudioSigner(stubSigner{}))

	asst := f.message(t, "asst")
	assert.Equal(t, arena.StatusSuccess, asst.Status)
	assert.Equal(t, "s3://audio/tts/sess-1/asst.mp3", asst.AudioPath)

	frames := log.all()
	require.Len(t, frames, 2)
	assert.Equal(t, "https://signed.example/s3://audio/tts/sess-1/asst.mp3?sig=1", frames[0].Text)
	assert.Equal(t, arena.FrameDone, frames[1].Kind)

	calls := tts.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "read me aloud", calls[0].Text)
}

func TestDriver_TTSAcademicDispensesOnce(t *testing.T) {
	f := newFixture(t, arena.ModeAcademic, arena.SessionTTS)
	ttsA := mocks.NewMockTTSProvider("s3://audio/")
	ttsB := mocks.NewMockTTSProvider("s3://audio/")
	f.registry.RegisterTTS(ttsA, "alpha")
	f.registry.RegisterTTS(ttsB, "beta")

	p1 := f.store.PutPrompt(arena.AcademicPrompt{Text: "vanakkam", Language: "ta"})
	p2 := f.store.PutPrompt(arena.AcademicPrompt{Text: "nandri", Language: "ta"})
	p3 := f.store.PutPrompt(arena.AcademicPrompt{Text: "used", Language: "ta", UsageCount: 1})
	f.store.PutPrompt(arena.AcademicPrompt{Text: "namaste", Language: "hi"})

	req := f.request("")
	req.Messages[0].Language = "ta"
	log := &frameLog{}
	f.run(t, testutil.TestContext(t), req, log)
	frames := log.all()

	var prompts []arena.Frame
	for _, fr := range frames {
		if fr.Kind == arena.FramePrompt {
			prompts = append(prompts, fr)
		}
	}
	require.Len(t, prompts, 1)
	chosen := prompts[0].Prompt
	assert.Contains(t, []uint{p1.ID, p2.ID}, chosen.PromptID)
	assert.Equal(t, "ta", chosen.Language)

	usage := map[uint]int{}
	for _, p := range f.store.Prompts() {
		usage[p.ID] = p.UsageCount
	}
	assert.Equal(t, 1, usage[chosen.PromptID])
	assert.Equal(t, 1, usage[p3.ID])
	assert.Equal(t, 1, usage[p1.ID]+usage[p2.ID], "exactly one of the unused prompts is taken")

	user := f.message(t, "u1")
	assert.Equal(t, chosen.Text, user.Content)
	assert.EqualValues(t, chosen.PromptID, user.Metadata[arena.MetaAcademicPromptID])

	for _, tts := range []*mocks.MockTTSProvider{ttsA, ttsB} {
		calls := tts.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, chosen.Text, calls[0].Text)
		assert.Equal(t, "ta", calls[0].Language)
	}
	assert.Equal(t, "s3://audio/tts/sess-1/a1.mp3", f.message(t, "a1").AudioPath)
	assert.Equal(t, "s3://audio/tts/sess-1/b1.mp3", f.message(t, "b1").AudioPath)
	assert.Len(t, terminalFrames(frames, arena.ParticipantA), 1)
	assert.Len(t, terminalFrames(frames, arena.ParticipantB), 1)

	// 重新生成沿用已选 prompt，不再借出也不再宣告
	regen := TurnRequest{SessionID: f.session.ID, Messages: []IncomingMessage{
		{ID: "u1", Role: arena.RoleUser},
		{ID: "a2", Role: arena.RoleAssistant, Participant: arena.ParticipantA},
	}}
	log = &frameLog{}
	f.run(t, testutil.TestContext(t), regen, log)
	for _, fr := range log.all() {
		assert.NotEqual(t, arena.FramePrompt, fr.Kind)
	}
	total := 0
	for _, p := range f.store.Prompts() {
		total += p.UsageCount
	}
	assert.Equal(t, 2, total)
	assert.Equal(t, chosen.Text, ttsA.Calls()[1].Text)
}

func TestDriver_TTSAcademicEmptyPool(t *testing.T) {
	f := newFixture(t, arena.ModeAcademic, arena.SessionTTS)
	f.registry.RegisterTTS(mocks.NewMockTTSProvider(""), "alpha")
	f.registry.RegisterTTS(mocks.NewMockTTSProvider(""), "beta")

	req := f.request("")
	req.Messages[0].Language = "xx"
	log := &frameLog{}
	f.run(t, testutil.TestContext(t), req, log)

	for _, p := range []arena.Participant{arena.ParticipantA, arena.ParticipantB} {
		term := terminalFrames(log.all(), p)
		require.Len(t, term, 1)
		assert.Equal(t, NoPromptMessage, term[0].Done.Error)
	}
	assert.Equal(t, arena.StatusError, f.message(t, "a1").Status)
	assert.Equal(t, arena.StatusError, f.message(t, "b1").Status)
}

func TestDispenser_TakeRunsOnce(t *testing.T) {
	d := newDispenser()
	calls := 0
	fn := func() (*arena.AcademicPrompt, bool, error) {
		calls++
		return &arena.AcademicPrompt{ID: 7, Text: "x"}, true, nil
	}

	p, first, err := d.take(fn)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, uint(7), p.ID)

	p, first, err = d.take(fn)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, uint(7), p.ID)
	assert.Equal(t, 1, calls)
}

func TestAttachments_ResolveReadsStoredUserOnce(t *testing.T) {
	f := newFixture(t, arena.ModeDirect, arena.SessionLLM)
	ctx := context.Background()
	stale := &arena.Message{ID: "u1", SessionID: f.session.ID, Role: arena.RoleUser, Content: "old", DocPath: "docs/a.txt"}
	stored := *stale
	stored.Metadata = map[string]any{arena.MetaExtractedText: "cached"}
	require.NoError(t, f.store.CreateMessage(ctx, &stored))

	extractor := &stubExtractor{text: "fresh"}
	resolver := attachment.NewResolver(f.store, f.logger, attachment.WithDocumentExtractor(extractor))
	d := NewDriver(f.store, f.registry, f.cfg, f.logger, WithAttachmentResolver(resolver))
	r := &run{d: d, b: Branch{Session: f.session, User: stale}, logger: f.logger}

	a := newAttachments()
	user, res := a.resolve(ctx, r)
	assert.Equal(t, "old"+attachment.DocumentHeader+"cached", res.Prompt)
	assert.Equal(t, "cached", user.Metadata[arena.MetaExtractedText])
	assert.Nil(t, stale.Metadata)

	again, _ := a.resolve(ctx, r)
	assert.Same(t, user, again)
	assert.Zero(t, extractor.calls)
}

func TestPromptID(t *testing.T) {
	assert.Equal(t, uint(3), promptID(uint(3)))
	assert.Equal(t, uint(3), promptID(3))
	assert.Equal(t, uint(3), promptID(float64(3)))
	assert.Equal(t, uint(0), promptID("3"))
}
