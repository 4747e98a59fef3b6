package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gamehub-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "test-model", APIKey: "k"})
}

func TestStreamChatMessages_Chunks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Head ", "to ", "Limgrave"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var got []string
	err := c.StreamChatMessages(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, func(d string) error {
		got = append(got, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Head ", "to ", "Limgrave"}, got)
}

func TestStreamChatMessages_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	err := c.StreamChatMessages(context.Background(), nil, nil, func(string) error { return nil })
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsRateLimit())
	assert.True(t, apiErr.IsRetryable())
}

func TestStreamChatMessages_Malformed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {not json\n\ndata: also broken\n\n")
	})

	err := c.StreamChatMessages(context.Background(), nil, nil, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestComplete_JoinsChunks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Margit \"}}]}\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"awaits\"}}]}\n")
	})

	out, err := c.Complete(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Margit awaits", strings.TrimSpace(out))
}

func TestParamsFromConfig(t *testing.T) {
	assert.Nil(t, ParamsFromConfig(config.LLMGenerationConfig{}))

	gp := ParamsFromConfig(config.LLMGenerationConfig{Temperature: 0.5, MaxTokens: 10})
	require.NotNil(t, gp)
	assert.Equal(t, 0.5, *gp.Temperature)
	assert.Nil(t, gp.TopP)
	assert.Equal(t, 10, *gp.MaxTokens)
}
