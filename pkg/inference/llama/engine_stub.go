//go:build !llama

package llama

import (
	"context"

	"github.com/weft-ai/weft/pkg/inference"
)

// Built reports whether the binary carries the native binding.
const Built = false

// engine is compiled when the "llama" build tag is not set. It keeps
// default builds and CI free of cgo; every load fails with ErrNotBuilt
// rather than pretending to run inference.
type engine struct{}

// New returns the stub engine.
func New() inference.Engine {
	return &engine{}
}

func (e *engine) Name() string {
	return Name
}

func (e *engine) Load(ctx context.Context, path string, config inference.ModelConfig) (inference.Model, error) {
	return nil, ErrNotBuilt
}
