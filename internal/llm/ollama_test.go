package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/recall/internal/config"
)

func TestOllamaChatStream(t *testing.T) {
	chunks := []string{"Hel", "lo ", "world"}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, c := range chunks {
			fmt.Fprintf(w, `{"model":"test","message":{"role":"assistant","content":%q},"done":false}`+"\n", c)
		}
		fmt.Fprintln(w, `{"model":"test","message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer ts.Close()

	p := NewOllama(ts.URL, "test", 0)
	var got []string
	full, err := p.ChatStream(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(token string) error {
		got = append(got, token)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", full)
	assert.Equal(t, chunks, got)
}

func TestOllamaChatStreamStopsForwardingOnEmitError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, c := range []string{"a", "b", "c"} {
			fmt.Fprintf(w, `{"message":{"content":%q},"done":false}`+"\n", c)
		}
		fmt.Fprintln(w, `{"done":true}`)
	}))
	defer ts.Close()

	p := NewOllama(ts.URL, "test", 0)
	calls := 0
	full, err := p.ChatStream(context.Background(), &ChatRequest{}, func(string) error {
		calls++
		return assert.AnError
	})
	require.NoError(t, err)
	// Forwarding stopped after the first emit failure, but the reply kept
	// accumulating.
	assert.Equal(t, 1, calls)
	assert.Equal(t, "abc", full)
}

func TestOllamaChatNonStreaming(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"test","message":{"role":"assistant","content":"pong"},"done":true}`)
	}))
	defer ts.Close()

	p := NewOllama(ts.URL, "test", 0)
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "ping"}}})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Content)
}

func TestOllamaChatErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer ts.Close()

	p := NewOllama(ts.URL, "test", 0)
	_, err := p.Chat(context.Background(), &ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestOllamaAvailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	p := NewOllama(ts.URL, "test", 0)
	assert.True(t, p.Available(context.Background()))

	down := NewOllama("http://127.0.0.1:1", "test", 0)
	assert.False(t, down.Available(context.Background()))
}

func TestFactoryUnknownProvider(t *testing.T) {
	_, err := New("carrier-pigeon", config.ProviderConfig{})
	assert.Error(t, err)
}
