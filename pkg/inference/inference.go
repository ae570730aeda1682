// Package inference defines the boundary between the dispatch layer
// and the underlying inference engine.
package inference

import "context"

// ModelConfig controls how a model file is loaded into an engine.
type ModelConfig struct {
	// ContextSize is the context window in tokens.
	ContextSize int
	// GPULayers is the number of layers to offload to the GPU, 0 keeps
	// everything on the CPU.
	GPULayers int
	// Threads is the number of CPU threads, 0 lets the engine decide.
	Threads int
	// BatchSize is the prompt processing batch size.
	BatchSize int
}

// GenerationParams are the sampling parameters for one generation.
type GenerationParams struct {
	Temperature float32
	TopP        float32
	// MaxTokens bounds the number of tokens generated, 0 means no
	// explicit bound.
	MaxTokens int
	// Stop lists sequences that terminate generation. Matching is done
	// by the dispatcher across token boundaries, but engines may also
	// stop natively on them.
	Stop []string
	// Seed selects a deterministic sampling seed, 0 picks randomly.
	Seed int
}

// GenerationResult is the outcome of one generation.
type GenerationResult struct {
	// Text is the generated completion, with any matched stop sequence
	// removed.
	Text string
	// PromptTokens is the estimated token count of the prompt.
	PromptTokens int
	// CompletionTokens is the number of tokens in Text.
	CompletionTokens int
	// FinishReason is "stop" for natural or stop-sequence termination,
	// "length" when MaxTokens was reached.
	FinishReason string
}

// TokenFunc receives each generated token piece as it is produced.
// Returning a non-nil error halts generation; the error is then
// returned from Generate.
type TokenFunc func(piece string) error

// Model is a loaded model instance. Implementations need not be safe
// for concurrent Generate calls; the dispatcher serializes them.
type Model interface {
	// Generate produces a completion for prompt, streaming pieces to
	// onToken when it is non-nil. It returns the raw generated text.
	// Generation halts when the context is cancelled, MaxTokens is
	// reached, or onToken returns an error.
	Generate(ctx context.Context, prompt string, params GenerationParams, onToken TokenFunc) (string, error)
	// ContextSize returns the context window the model was loaded with.
	ContextSize() int
	// Close releases the native resources backing the model. The model
	// must not be used afterwards.
	Close() error
}

// Engine loads model files into memory. Engines must tolerate
// concurrent Load calls for distinct models.
type Engine interface {
	// Name identifies the engine in logs and status output.
	Name() string
	// Load reads the model file at path into memory.
	Load(ctx context.Context, path string, config ModelConfig) (Model, error)
}
