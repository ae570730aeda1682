// Package llama implements the inference engine on top of llama.cpp
// via the go-llama.cpp binding. The real binding requires cgo and the
// "llama" build tag; without it a stub engine that fails loads with
// ErrNotBuilt is compiled instead.
package llama

import "errors"

// Name is the engine name reported in logs and status output.
const Name = "llama.cpp"

// ErrNotBuilt indicates that the binary was compiled without the
// "llama" build tag and cannot load models.
var ErrNotBuilt = errors.New("inference engine not built, rebuild with -tags llama")
