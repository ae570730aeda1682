package registry

import "errors"

var (
	// ErrModelNotFound indicates that a model identifier does not match
	// any registry entry and is not a direct download URL. It is
	// typically paired with a 404 response.
	ErrModelNotFound = errors.New("unknown model")
)
