package scheduling

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrModelNotDownloaded indicates that a model's weight file is not
	// present in the store. The cache never downloads implicitly. If
	// returned in conjunction with an HTTP request, it should be paired
	// with a 404 response status.
	ErrModelNotDownloaded = errors.New("model not downloaded")

	// ErrCacheExhausted indicates that no cache slot could be freed
	// within the acquire timeout. It is recoverable by retrying. If
	// returned in conjunction with an HTTP request, it should be paired
	// with a 503 response status.
	ErrCacheExhausted = errors.New("model cache exhausted")

	// ErrModelInUse indicates that an eviction was requested for a
	// model that still has active references. If returned in
	// conjunction with an HTTP request, it should be paired with a 409
	// response status.
	ErrModelInUse = errors.New("model is in use")

	// ErrModelLoadFailed is the category matched by LoadError values.
	ErrModelLoadFailed = errors.New("model load failed")

	// ErrGenerationFailed is the category matched by GenerationError
	// values.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrGenerationCancelled indicates that the caller abandoned a
	// generation. It matches context.Canceled. The model remains valid
	// for other callers.
	ErrGenerationCancelled = fmt.Errorf("generation cancelled: %w", context.Canceled)

	// errCacheClosed indicates that the cache is draining for shutdown
	// and no longer accepts loads.
	errCacheClosed = errors.New("model cache is shutting down")
)

// LoadError reports an engine failure while loading a model file.
type LoadError struct {
	// Model is the requested model name.
	Model string
	// Err is the underlying engine error.
	Err error
}

// Error implements error.Error.
func (e *LoadError) Error() string {
	return fmt.Sprintf("loading model %s: %v", e.Model, e.Err)
}

// Unwrap implements error unwrapping.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is matches LoadError values against ErrModelLoadFailed.
func (e *LoadError) Is(target error) bool {
	return target == ErrModelLoadFailed
}

// GenerationError reports an engine failure during token generation.
type GenerationError struct {
	// Model is the model that was generating.
	Model string
	// Err is the underlying engine error.
	Err error
}

// Error implements error.Error.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating with model %s: %v", e.Model, e.Err)
}

// Unwrap implements error unwrapping.
func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Is matches GenerationError values against ErrGenerationFailed.
func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailed
}
