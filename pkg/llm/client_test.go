package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTG813819/lvl-up-sub003/pkg/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.ProviderConfig{
		Slot:    "primary",
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
	}, 2*time.Second, slog.Default())
}

func TestClientGenerateParsesCompletion(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "generated text"}}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 22}
		}`))
	})

	out, err := client.Generate(context.Background(), "say something", 256)
	require.NoError(t, err)
	assert.Equal(t, "generated text", out.Text)
	assert.Equal(t, int64(11), out.TokensIn)
	assert.Equal(t, int64(22), out.TokensOut)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, float64(256), gotBody["max_tokens"])
}

func TestClientGenerateCountsMissingUsage(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "four token answer text"}}]}`))
	})
	out, err := client.Generate(context.Background(), "prompt words here", 64)
	require.NoError(t, err)
	assert.Positive(t, out.TokensIn)
	assert.Positive(t, out.TokensOut)
}

func TestClientGenerateErrorStatus(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited", "type": "rate_limit"}}`))
	})
	_, err := client.Generate(context.Background(), "prompt", 64)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderError)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestClientGenerateEmptyChoices(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	})
	_, err := client.Generate(context.Background(), "prompt", 64)
	assert.ErrorIs(t, err, ErrProviderError)
}
