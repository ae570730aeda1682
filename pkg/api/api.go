// Package api defines the wire types exchanged between the weft daemon
// and its clients. Every endpoint wraps its payload in Response.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is the envelope returned by every API endpoint. Data is
// populated on success, Error on failure, never both.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WriteData writes a success envelope with the given payload.
func WriteData(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "encoding response: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: raw})
}

// WriteError writes a failure envelope with the given message.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Success: false, Error: message})
}

// ModelInfo describes a model file on disk.
type ModelInfo struct {
	Name         string    `json:"name"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
	// Metadata read from the GGUF header, empty when the file could
	// not be parsed.
	Architecture  string `json:"architecture,omitempty"`
	Parameters    string `json:"parameters,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}

// AvailableModel describes a registry entry and whether its file is
// already present locally.
type AvailableModel struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Downloaded  bool   `json:"downloaded"`
}

// ModelList is the payload of GET /api/models.
type ModelList struct {
	Models    []ModelInfo      `json:"models"`
	Available []AvailableModel `json:"available"`
}

// PullRequest is the optional body of POST /api/models/{name}.
type PullRequest struct {
	Force bool `json:"force"`
}

// Progress message types emitted while a model is being pulled.
const (
	ProgressTypeProgress = "progress"
	ProgressTypeSuccess  = "success"
	ProgressTypeError    = "error"
)

// ProgressMessage is one line of the JSON-lines stream written while a
// pull is in flight.
type ProgressMessage struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Total      uint64 `json:"total,omitempty"`
	Downloaded uint64 `json:"downloaded,omitempty"`
}

// ChatMessage is a single conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat and /api/chat/stream.
// Pointer fields distinguish "absent" from zero values; absent fields
// take the daemon's configured defaults.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
	// Template overrides the prompt format inferred from the model
	// name. One of "chatml", "alpaca" or "llama2".
	Template string `json:"template,omitempty"`
}

// Usage reports estimated token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the payload of a non-streaming chat completion.
type ChatResponse struct {
	Message      ChatMessage `json:"message"`
	Usage        Usage       `json:"usage"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// Stream chunk types emitted by POST /api/chat/stream.
const (
	ChunkTypeToken = "token"
	ChunkTypeDone  = "done"
	ChunkTypeError = "error"
)

// StreamChunk is one line of the NDJSON stream produced by
// POST /api/chat/stream.
type StreamChunk struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// LoadedModel describes one resident cache entry, as reported by
// GET /api/ps.
type LoadedModel struct {
	Model       string    `json:"model"`
	SizeBytes   int64     `json:"size_bytes"`
	References  uint      `json:"references"`
	LastUsed    time.Time `json:"last_used"`
	IdleSeconds int64     `json:"idle_seconds"`
}

// UnloadRequest is the body of POST /api/unload. Exactly one of Model
// or All should be set.
type UnloadRequest struct {
	Model string `json:"model,omitempty"`
	All   bool   `json:"all,omitempty"`
}

// UnloadResponse reports how many cache entries were evicted.
type UnloadResponse struct {
	Unloaded int `json:"unloaded"`
}

// DiskUsage is the payload of GET /api/df.
type DiskUsage struct {
	Path       string `json:"path"`
	ModelCount int    `json:"model_count"`
	TotalBytes int64  `json:"total_bytes"`
}

// GPU describes one graphics device visible to the daemon.
type GPU struct {
	Vendor  string `json:"vendor,omitempty"`
	Product string `json:"product,omitempty"`
}

// HostInfo summarizes the hardware the daemon runs on.
type HostInfo struct {
	OS          string `json:"os,omitempty"`
	Arch        string `json:"arch,omitempty"`
	MemoryBytes uint64 `json:"memory_bytes,omitempty"`
	CPUCores    int    `json:"cpu_cores,omitempty"`
	GPUs        []GPU  `json:"gpus,omitempty"`
}

// Status is the payload of GET /api/status.
type Status struct {
	Version       string        `json:"version"`
	Engine        string        `json:"engine"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	ModelsPath    string        `json:"models_path"`
	DiskUsage     DiskUsage     `json:"disk_usage"`
	Loaded        []LoadedModel `json:"loaded"`
	Host          HostInfo      `json:"host"`
}
