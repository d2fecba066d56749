package mistral

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/arena/llm"
	"github.com/BaSui01/arena/llm/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMistralProvider_Stream(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, "data: {\"model\":\"mistral-small\",\"choices\":[{\"delta\":{\"content\":\"Bonjour\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewMistralProvider(providers.MistralConfig{
		BaseProviderConfig: providers.BaseProviderConfig{APIKey: "k", BaseURL: server.URL},
	}, zap.NewNop())
	assert.Equal(t, "mistral", p.Name())

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{Model: "mistral-small", Prompt: "salut"})
	require.NoError(t, err)
	var chunks []llm.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.Equal(t, "Bonjour", chunks[0].Content)
	assert.Equal(t, "mistral", chunks[0].Provider)
	_, hasOpts := body["stream_options"]
	assert.False(t, hasOpts)
}

func TestMistralProvider_PolicyRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"Prompt flagged by moderation"}`)
	}))
	defer server.Close()

	p := NewMistralProvider(providers.MistralConfig{
		BaseProviderConfig: providers.BaseProviderConfig{BaseURL: server.URL},
	}, nil)
	_, err := p.Stream(context.Background(), &llm.ChatRequest{Prompt: "x"})

	var le *llm.Error
	require.ErrorAs(t, err, &le)
	assert.True(t, le.PolicyViolation)
}
