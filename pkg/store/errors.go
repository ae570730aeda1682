package store

import "errors"

var (
	// ErrModelNotFound indicates that no file in the models directory
	// matches the requested model name. It is typically paired with a
	// 404 response.
	ErrModelNotFound = errors.New("model not found")
	// ErrModelInUse indicates that a deletion was refused because the
	// model is loaded and serving requests. It is typically paired
	// with a 409 response.
	ErrModelInUse = errors.New("model is in use")
	// ErrInvalidName indicates a model file name that would escape the
	// models directory.
	ErrInvalidName = errors.New("invalid model file name")
	// ErrCorruptModel indicates that a model file no longer matches
	// its registry checksum.
	ErrCorruptModel = errors.New("model file is corrupt")
)
