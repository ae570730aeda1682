package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-ai/weft/pkg/api"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(strings.TrimPrefix(srv.URL, "http://"))
}

func writeLines(t *testing.T, w http.ResponseWriter, lines ...any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/x-ndjson")
	encoder := json.NewEncoder(w)
	for _, line := range lines {
		assert.NoError(t, encoder.Encode(line))
	}
}

func TestClientPull(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/models/tiny", r.URL.Path)
		var req api.PullRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Force)
		writeLines(t, w,
			api.ProgressMessage{Type: api.ProgressTypeProgress, Message: "Downloaded 50%", Total: 100, Downloaded: 50},
			api.ProgressMessage{Type: api.ProgressTypeProgress, Message: "Downloaded 100%", Total: 100, Downloaded: 100},
			api.ProgressMessage{Type: api.ProgressTypeSuccess, Message: "Model tiny ready"},
		)
	}))

	var seen []api.ProgressMessage
	message, err := c.Pull(context.Background(), "tiny", true, func(m api.ProgressMessage) {
		seen = append(seen, m)
	})
	require.NoError(t, err)
	require.Equal(t, "Model tiny ready", message)
	require.Len(t, seen, 2)
	require.Equal(t, uint64(50), seen[0].Downloaded)
}

func TestClientPullError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(t, w,
			api.ProgressMessage{Type: api.ProgressTypeProgress, Message: "Downloaded 10%"},
			api.ProgressMessage{Type: api.ProgressTypeError, Message: "checksum mismatch"},
		)
	}))

	_, err := c.Pull(context.Background(), "tiny", false, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")
	require.Contains(t, err.Error(), "tiny")
}

func TestClientPullUnexpectedEOF(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(t, w, api.ProgressMessage{Type: api.ProgressTypeProgress, Message: "Downloaded 10%"})
	}))

	_, err := c.Pull(context.Background(), "tiny", false, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected end of stream")
}

func TestClientPullNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, "unknown model nope")
	}))

	_, err := c.Pull(context.Background(), "nope", false, nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "unknown model nope", err.Error())
}

func TestClientChat(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req api.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tiny", req.Model)
		api.WriteData(w, http.StatusOK, api.ChatResponse{
			Message:      api.ChatMessage{Role: "assistant", Content: "hello"},
			Usage:        api.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
			FinishReason: "stop",
		})
	}))

	chat, err := c.Chat(context.Background(), api.ChatRequest{
		Model:    "tiny",
		Messages: []api.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", chat.Message.Content)
	require.Equal(t, 4, chat.Usage.TotalTokens)
}

func TestClientChatStream(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/stream", r.URL.Path)
		writeLines(t, w,
			api.StreamChunk{Type: api.ChunkTypeToken, Content: "He"},
			api.StreamChunk{Type: api.ChunkTypeToken, Content: "llo"},
			api.StreamChunk{
				Type:         api.ChunkTypeDone,
				Usage:        &api.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4},
				FinishReason: "stop",
			},
		)
	}))

	var text strings.Builder
	result, err := c.ChatStream(context.Background(), api.ChatRequest{Model: "tiny"}, func(token string) error {
		text.WriteString(token)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", text.String())
	require.Equal(t, "stop", result.FinishReason)
	require.Equal(t, 2, result.Usage.CompletionTokens)
}

func TestClientChatStreamError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(t, w,
			api.StreamChunk{Type: api.ChunkTypeToken, Content: "He"},
			api.StreamChunk{Type: api.ChunkTypeError, Error: "generation failed"},
		)
	}))

	_, err := c.ChatStream(context.Background(), api.ChatRequest{Model: "tiny"}, func(string) error { return nil })
	require.Error(t, err)
	require.Equal(t, "generation failed", err.Error())
}

func TestClientChatStreamSinkError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(t, w,
			api.StreamChunk{Type: api.ChunkTypeToken, Content: "He"},
			api.StreamChunk{Type: api.ChunkTypeToken, Content: "llo"},
		)
	}))

	boom := errors.New("sink full")
	_, err := c.ChatStream(context.Background(), api.ChatRequest{Model: "tiny"}, func(string) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestClientUnload(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.UnloadRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.All)
		api.WriteData(w, http.StatusOK, api.UnloadResponse{Unloaded: 2})
	}))

	unloaded, err := c.Unload(context.Background(), "", true)
	require.NoError(t, err)
	require.Equal(t, 2, unloaded)
}

func TestClientCacheExhaustedIsNotUnavailable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusServiceUnavailable, "model cache exhausted")
	}))

	_, err := c.Chat(context.Background(), api.ChatRequest{Model: "tiny"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrServiceUnavailable)
	require.Equal(t, "model cache exhausted", err.Error())
}

func TestClientDaemonDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	err := New(addr).Health(context.Background())
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.Contains(t, err.Error(), addr)
}

func TestClientLogs(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/logs", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("line one\nline two\n"))
	}))

	logs, err := c.Logs(context.Background())
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", logs)
}

func TestClientGetModelEscapesName(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/models/llama-2-7b.Q4_K_M.gguf", r.URL.Path)
		api.WriteData(w, http.StatusOK, api.ModelInfo{Name: "llama-2-7b.Q4_K_M.gguf", SizeBytes: 42})
	}))

	info, err := c.GetModel(context.Background(), "llama-2-7b.Q4_K_M.gguf")
	require.NoError(t, err)
	require.Equal(t, int64(42), info.SizeBytes)
}
