package llm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/arena/llm/circuitbreaker"
	"github.com/BaSui01/arena/llm/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	name   string
	chunks []StreamChunk
	err    error
}

func (f *fakeChat) Name() string { return f.name }

func (f *fakeChat) Stream(ctx context.Context, _ *ChatRequest) (<-chan StreamChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for _, c := range f.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type fakeASR struct{ err error }

func (f *fakeASR) Name() string { return "asr" }
func (f *fakeASR) Transcribe(context.Context, *TranscribeRequest) (string, error) {
	return "hello", f.err
}

type collectReporter struct {
	mu   sync.Mutex
	recs []ErrorRecord
}

func (c *collectReporter) Report(rec ErrorRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func TestRegistry_LongestPrefixWins(t *testing.T) {
	r := NewRegistry(nil)
	gpt := &fakeChat{name: "openai"}
	mini := &fakeChat{name: "openai-mini"}
	r.RegisterChat(gpt, "gpt-", "o1")
	r.RegisterChat(mini, "gpt-4o-mini")

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "openai"},
		{"gpt-4o-mini-2024-07-18", "openai-mini"},
		{"GPT-4O-MINI", "openai-mini"},
		{"o1-preview", "openai"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := r.Chat(tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Name())
		})
	}
}

func TestRegistry_Unroutable(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterChat(&fakeChat{name: "openai"}, "gpt-")

	_, err := r.Chat("claude-3")
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrRoutingUnavailable, le.Code)

	_, err = r.TTS("gpt-4o")
	require.Error(t, err, "namespaces are separate")
}

func TestRegistry_GuardNormalizesStartError(t *testing.T) {
	rep := &collectReporter{}
	r := NewRegistry(rep)
	r.RegisterChat(&fakeChat{name: "mistral", err: errors.New("prompt flagged by moderation")}, "mistral")

	p, err := r.Chat("mistral-large")
	require.NoError(t, err)
	_, err = p.Stream(context.Background(), &ChatRequest{Model: "mistral-large"})

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.True(t, le.PolicyViolation)
	assert.Equal(t, "mistral-large", le.Model)
	assert.Equal(t, "mistral", le.Provider)
	require.Len(t, rep.recs, 1)
	assert.True(t, rep.recs[0].PolicyViolation)
}

func TestRegistry_GuardNormalizesChunkError(t *testing.T) {
	rep := &collectReporter{}
	r := NewRegistry(rep)
	r.RegisterChat(&fakeChat{name: "openai", chunks: []StreamChunk{
		{Content: "Hel"},
		{Err: &Error{Code: ErrUpstreamError, Message: "stream reset"}},
		{Content: "never"},
	}}, "gpt")

	p, err := r.Chat("gpt-4o")
	require.NoError(t, err)
	ch, err := p.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)

	var got []StreamChunk
	for c := range ch {
		got = append(got, c)
	}
	require.Len(t, got, 2, "stream stops at the first error chunk")
	assert.Equal(t, "Hel", got[0].Content)
	require.NotNil(t, got[1].Err)
	assert.Equal(t, "openai", got[1].Err.Provider)
	assert.Equal(t, "gpt-4o", got[1].Err.Model)
	assert.Len(t, rep.recs, 1)
}

func TestRegistry_CanceledErrorsAreNotReported(t *testing.T) {
	rep := &collectReporter{}
	r := NewRegistry(rep)
	r.RegisterASR(&fakeASR{err: context.Canceled}, "whisper")

	p, err := r.ASR("whisper-1")
	require.NoError(t, err)
	_, err = p.Transcribe(context.Background(), &TranscribeRequest{Model: "whisper-1"})
	require.Error(t, err)
	assert.Empty(t, rep.recs)
}

func TestRegistry_Prefixes(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterChat(&fakeChat{name: "a"}, "b-", "a-", " ")
	assert.Equal(t, []string{"a-", "b-"}, r.Prefixes(KindChat))
	assert.Empty(t, r.Prefixes(KindTTS))
}

// =============================================================================
// 🧪 建连重试与熔断
// =============================================================================

// flakyChat 前 failures 次建连失败
type flakyChat struct {
	failures int32
	err      *Error
	calls    atomic.Int32
}

func (f *flakyChat) Name() string { return "flaky" }

func (f *flakyChat) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return (&fakeChat{chunks: []StreamChunk{{Content: "ok"}}}).Stream(ctx, req)
}

type recordingObserver struct {
	mu      sync.Mutex
	retries map[string]int
	states  []string
}

func (o *recordingObserver) RecordProviderRetry(provider string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.retries == nil {
		o.retries = map[string]int{}
	}
	o.retries[provider]++
}

func (o *recordingObserver) RecordCircuitState(provider, state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, provider+"="+state)
}

func fastRetry(n int) retry.Policy {
	return retry.Policy{MaxRetries: n, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func drain(ch <-chan StreamChunk) []StreamChunk {
	var out []StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestRegistry_RetriesRetryableStartError(t *testing.T) {
	obs := &recordingObserver{}
	rep := &collectReporter{}
	r := NewRegistry(rep, WithRetry(fastRetry(3)), WithResilienceObserver(obs))
	flaky := &flakyChat{failures: 2, err: &Error{Code: ErrRateLimited, Message: "slow down", HTTPStatus: http.StatusTooManyRequests, Retryable: true}}
	r.RegisterChat(flaky, "gpt")

	p, err := r.Chat("gpt-4o")
	require.NoError(t, err)
	ch, err := p.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)

	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Content)
	assert.EqualValues(t, 3, flaky.calls.Load())
	assert.Equal(t, 2, obs.retries["flaky"])
	assert.Empty(t, rep.recs, "recovered attempts are not reported")
}

func TestRegistry_DoesNotRetryPermanentError(t *testing.T) {
	r := NewRegistry(nil, WithRetry(fastRetry(3)))
	flaky := &flakyChat{failures: 10, err: &Error{Code: ErrUnauthorized, Message: "bad key", HTTPStatus: http.StatusUnauthorized}}
	r.RegisterChat(flaky, "gpt")

	p, _ := r.Chat("gpt-4o")
	_, err := p.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})

	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrUnauthorized, le.Code)
	assert.EqualValues(t, 1, flaky.calls.Load())
}

func TestRegistry_CircuitOpensAndFastFails(t *testing.T) {
	obs := &recordingObserver{}
	rep := &collectReporter{}
	r := NewRegistry(rep,
		WithCircuitBreaker(circuitbreaker.Config{Threshold: 2, ResetTimeout: time.Hour}),
		WithResilienceObserver(obs),
	)
	flaky := &flakyChat{failures: 100, err: &Error{Code: ErrUpstreamError, Message: "502", HTTPStatus: http.StatusBadGateway, Retryable: true}}
	r.RegisterChat(flaky, "gpt")
	p, _ := r.Chat("gpt-4o")

	for i := 0; i < 2; i++ {
		_, err := p.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})
		require.Error(t, err)
	}

	_, err := p.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrProviderUnavailable, le.Code)
	assert.True(t, IsProviderUnavailable(err))
	assert.EqualValues(t, 2, flaky.calls.Load(), "open circuit does not reach the vendor")
	assert.Len(t, rep.recs, 2, "fast rejections are not reported")
	assert.Equal(t, []string{"flaky=closed", "flaky=open"}, obs.states)
}

func TestRegistry_ClientErrorsKeepCircuitClosed(t *testing.T) {
	r := NewRegistry(nil, WithCircuitBreaker(circuitbreaker.Config{Threshold: 1, ResetTimeout: time.Hour}))
	r.RegisterASR(&fakeASR{err: &Error{Code: ErrInvalidRequest, Message: "bad audio"}}, "whisper")
	p, _ := r.ASR("whisper-1")

	for i := 0; i < 3; i++ {
		_, err := p.Transcribe(context.Background(), &TranscribeRequest{Model: "whisper-1"})
		require.Error(t, err)
		assert.False(t, IsProviderUnavailable(err))
	}
}

func TestRegistry_MidStreamErrorCountsAgainstCircuit(t *testing.T) {
	r := NewRegistry(nil, WithCircuitBreaker(circuitbreaker.Config{Threshold: 1, ResetTimeout: time.Hour}))
	r.RegisterChat(&fakeChat{name: "openai", chunks: []StreamChunk{
		{Content: "Hel"},
		{Err: &Error{Code: ErrUpstreamError, Message: "stream reset"}},
	}}, "gpt")
	p, _ := r.Chat("gpt-4o")

	ch, err := p.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	drain(ch)

	_, err = p.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})
	assert.True(t, IsProviderUnavailable(err))
}

func TestRegistry_CompletedStreamKeepsCircuitClosed(t *testing.T) {
	r := NewRegistry(nil, WithCircuitBreaker(circuitbreaker.Config{Threshold: 1, ResetTimeout: time.Hour}))
	r.RegisterChat(&fakeChat{name: "openai", chunks: []StreamChunk{{Content: "a"}, {Content: "b"}}}, "gpt")
	p, _ := r.Chat("gpt-4o")

	for i := 0; i < 3; i++ {
		ch, err := p.Stream(context.Background(), &ChatRequest{Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Len(t, drain(ch), 2)
	}
}
