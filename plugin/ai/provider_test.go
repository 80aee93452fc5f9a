package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerr "github.com/hagglehq/haggle/internal/errors"
)

type stubRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionBody(content string) string {
	return `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
		`"choices":[{"index":0,"message":{"role":"assistant","content":` + mustJSON(content) + `},"finish_reason":"stop"}]}`
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func newStubProvider(t *testing.T, handler http.HandlerFunc, retries int, timeout time.Duration) (*Provider, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	provider, err := NewProvider(&Config{
		BaseURL:    srv.URL + "/v1",
		APIKey:     "test-key",
		ChatModel:  "gpt-4o-mini",
		MaxRetries: retries,
		Timeout:    timeout,
	})
	require.NoError(t, err)
	return provider, srv
}

// TestProvider_Complete checks the happy path and message assembly.
func TestProvider_Complete(t *testing.T) {
	var got stubRequest
	provider, _ := newStubProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("I could do $450.")))
	}, 1, 5*time.Second)

	result, err := provider.Complete(context.Background(),
		"You are negotiating the seller side.", "buyer: would you take $400?",
		GenerationConfig{Temperature: 0.7, MaxTokens: 256})

	require.NoError(t, err)
	assert.Equal(t, "I could do $450.", result)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "gpt-4o-mini", got.Model)
}

// TestProvider_RetriesOnServerError recovers from a transient 500.
func TestProvider_RetriesOnServerError(t *testing.T) {
	var attempts atomic.Int32
	provider, _ := newStubProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "upstream unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("second try")))
	}, 2, 10*time.Second)

	result, err := provider.Complete(context.Background(), "", "hello", GenerationConfig{})
	require.NoError(t, err)
	assert.Equal(t, "second try", result)
	assert.Equal(t, int32(2), attempts.Load())
}

// TestProvider_ProviderErrorCode classifies persistent upstream failures.
func TestProvider_ProviderErrorCode(t *testing.T) {
	provider, _ := newStubProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}, 1, 5*time.Second)

	_, err := provider.Complete(context.Background(), "", "hello", GenerationConfig{})
	require.Error(t, err)
	assert.True(t, engerr.IsCode(err, engerr.ErrCodeProvider))
}

// TestProvider_TimeoutCode classifies a deadline overrun as TIMEOUT.
func TestProvider_TimeoutCode(t *testing.T) {
	provider, _ := newStubProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("too late")))
	}, 1, 50*time.Millisecond)

	_, err := provider.Complete(context.Background(), "", "hello", GenerationConfig{})
	require.Error(t, err)
	assert.True(t, engerr.IsCode(err, engerr.ErrCodeTimeout))
}

// TestNewProvider_Defaults fills unset config fields.
func TestNewProvider_Defaults(t *testing.T) {
	provider, err := NewProvider(&Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, 2, provider.config.MaxRetries)
	assert.Equal(t, 15*time.Second, provider.config.Timeout)
	assert.Equal(t, "gpt-4o-mini", provider.config.ChatModel)

	fromNil, err := NewProvider(nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1", fromNil.config.BaseURL)
}
