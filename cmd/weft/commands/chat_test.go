package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/weft-ai/weft/pkg/api"
	"github.com/weft-ai/weft/pkg/client"
)

func testCommand(t *testing.T) (*cobra.Command, *strings.Builder) {
	t.Helper()
	var out strings.Builder
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func TestChatCommandQuit(t *testing.T) {
	for _, line := range []string{"/bye", "/exit", "/quit"} {
		session := &chatSession{}
		cmd, _ := testCommand(t)
		quit, err := session.command(cmd, line)
		if err != nil {
			t.Fatalf("command(%q) returned error: %v", line, err)
		}
		if !quit {
			t.Errorf("command(%q) should quit the session", line)
		}
	}
}

func TestChatCommandParams(t *testing.T) {
	session := &chatSession{}
	cmd, _ := testCommand(t)

	for _, line := range []string{"/temp 0.5", "/top_p 0.9", "/max_tokens 128", "/seed 42"} {
		if _, err := session.command(cmd, line); err != nil {
			t.Fatalf("command(%q) returned error: %v", line, err)
		}
	}
	if session.temperature == nil || *session.temperature != 0.5 {
		t.Errorf("temperature not set: %v", session.temperature)
	}
	if session.topP == nil || *session.topP != 0.9 {
		t.Errorf("top_p not set: %v", session.topP)
	}
	if session.maxTokens == nil || *session.maxTokens != 128 {
		t.Errorf("max_tokens not set: %v", session.maxTokens)
	}
	if session.seed == nil || *session.seed != 42 {
		t.Errorf("seed not set: %v", session.seed)
	}
}

func TestChatCommandStop(t *testing.T) {
	session := &chatSession{}
	cmd, _ := testCommand(t)

	if _, err := session.command(cmd, `/stop "### END" User:`); err != nil {
		t.Fatalf("command returned error: %v", err)
	}
	if !reflect.DeepEqual(session.stop, []string{"### END", "User:"}) {
		t.Errorf("stop sequences = %q", session.stop)
	}

	if _, err := session.command(cmd, "/stop"); err != nil {
		t.Fatalf("command returned error: %v", err)
	}
	if len(session.stop) != 0 {
		t.Errorf("stop sequences should be cleared, got %q", session.stop)
	}
}

func TestChatCommandSystem(t *testing.T) {
	session := &chatSession{}
	cmd, _ := testCommand(t)

	if _, err := session.command(cmd, `/system "You are terse."`); err != nil {
		t.Fatalf("command returned error: %v", err)
	}
	if session.system != "You are terse." {
		t.Errorf("system prompt = %q", session.system)
	}

	if _, err := session.command(cmd, "/system answer in rhyme"); err != nil {
		t.Fatalf("command returned error: %v", err)
	}
	if session.system != "answer in rhyme" {
		t.Errorf("system prompt = %q", session.system)
	}
}

func TestChatCommandClear(t *testing.T) {
	session := &chatSession{history: []api.ChatMessage{{Role: "user", Content: "hi"}}}
	cmd, _ := testCommand(t)

	if _, err := session.command(cmd, "/clear"); err != nil {
		t.Fatalf("command returned error: %v", err)
	}
	if len(session.history) != 0 {
		t.Errorf("history should be empty, got %d messages", len(session.history))
	}
}

func TestChatCommandErrors(t *testing.T) {
	tests := []string{
		"/temp",
		"/temp abc",
		"/max_tokens x",
		"/seed 1 2",
		"/nope",
	}
	for _, line := range tests {
		session := &chatSession{}
		cmd, _ := testCommand(t)
		if _, err := session.command(cmd, line); err == nil {
			t.Errorf("command(%q) should return an error", line)
		}
	}
}

func TestChatSessionRequest(t *testing.T) {
	temp := float32(0.2)
	session := &chatSession{
		model:       "tiny",
		system:      "be brief",
		temperature: &temp,
		history: []api.ChatMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	}

	req := session.request()
	if req.Model != "tiny" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("message count = %d, want 3", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "be brief" {
		t.Errorf("first message = %+v, want the system prompt", req.Messages[0])
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Temperature)
	}
	if req.TopP != nil {
		t.Errorf("top_p should stay unset, got %v", *req.TopP)
	}
}

func TestChatSessionAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req api.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		encoder := json.NewEncoder(w)
		_ = encoder.Encode(api.StreamChunk{Type: api.ChunkTypeToken, Content: "Hi"})
		_ = encoder.Encode(api.StreamChunk{Type: api.ChunkTypeToken, Content: " there"})
		_ = encoder.Encode(api.StreamChunk{
			Type:         api.ChunkTypeDone,
			Usage:        &api.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4},
			FinishReason: "stop",
		})
	}))
	defer srv.Close()

	session := &chatSession{
		client: client.New(strings.TrimPrefix(srv.URL, "http://")),
		model:  "tiny",
	}
	cmd, out := testCommand(t)

	if err := session.ask(cmd, "hello"); err != nil {
		t.Fatalf("ask returned error: %v", err)
	}
	if !strings.Contains(out.String(), "Hi there") {
		t.Errorf("output %q should contain the response text", out.String())
	}
	if len(session.history) != 2 {
		t.Fatalf("history length = %d, want user and assistant turns", len(session.history))
	}
	if session.history[1].Role != "assistant" || session.history[1].Content != "Hi there" {
		t.Errorf("assistant turn = %+v", session.history[1])
	}
}

func TestChatSessionAskFailureDropsTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, "model tiny not downloaded")
	}))
	defer srv.Close()

	session := &chatSession{
		client: client.New(strings.TrimPrefix(srv.URL, "http://")),
		model:  "tiny",
	}
	cmd, _ := testCommand(t)

	if err := session.ask(cmd, "hello"); err == nil {
		t.Fatal("ask should return an error")
	}
	if len(session.history) != 0 {
		t.Errorf("failed turn should be dropped, history = %+v", session.history)
	}
}
