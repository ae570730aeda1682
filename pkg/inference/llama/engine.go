//go:build llama

package llama

import (
	"context"
	"fmt"
	"runtime"

	llama "github.com/go-skynet/go-llama.cpp"

	"github.com/weft-ai/weft/pkg/inference"
)

// Built reports whether the binary carries the native binding.
const Built = true

type engine struct{}

// New returns the llama.cpp-backed engine.
func New() inference.Engine {
	return &engine{}
}

func (e *engine) Name() string {
	return Name
}

// Load reads a GGUF file into memory. llama.New offers no cancellation
// hook, so the context is only checked before the load starts.
func (e *engine) Load(ctx context.Context, path string, config inference.ModelConfig) (inference.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []llama.ModelOption{llama.SetContext(config.ContextSize)}
	if config.GPULayers > 0 {
		opts = append(opts, llama.SetGPULayers(config.GPULayers))
	}
	if config.BatchSize > 0 {
		opts = append(opts, llama.SetNBatch(config.BatchSize))
	}
	llm, err := llama.New(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return &model{llm: llm, contextSize: config.ContextSize, threads: config.Threads}, nil
}

type model struct {
	llm         *llama.LLama
	contextSize int
	threads     int
}

func (m *model) ContextSize() int {
	return m.contextSize
}

func (m *model) Generate(ctx context.Context, prompt string, params inference.GenerationParams, onToken inference.TokenFunc) (string, error) {
	// The binding streams tokens through a callback that can only
	// signal "keep going" or "stop"; capture the reason separately.
	var cbErr error
	m.llm.SetTokenCallback(func(piece string) bool {
		select {
		case <-ctx.Done():
			cbErr = ctx.Err()
			return false
		default:
		}
		if onToken != nil {
			if err := onToken(piece); err != nil {
				cbErr = err
				return false
			}
		}
		return true
	})
	defer m.llm.SetTokenCallback(nil)

	text, err := m.llm.Predict(prompt, m.predictOptions(params)...)
	if cbErr != nil {
		return text, cbErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return text, ctx.Err()
		}
		return text, fmt.Errorf("prediction failed: %w", err)
	}
	return text, nil
}

func (m *model) predictOptions(params inference.GenerationParams) []llama.PredictOption {
	tokens := params.MaxTokens
	if tokens <= 0 {
		tokens = m.contextSize
	}
	threads := m.threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	opts := []llama.PredictOption{
		llama.SetTokens(tokens),
		llama.SetThreads(threads),
		llama.SetTemperature(params.Temperature),
		llama.SetTopP(params.TopP),
	}
	if params.Seed != 0 {
		opts = append(opts, llama.SetSeed(params.Seed))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llama.SetStopWords(params.Stop...))
	}
	return opts
}

func (m *model) Close() error {
	if m.llm != nil {
		m.llm.Free()
		m.llm = nil
	}
	return nil
}
