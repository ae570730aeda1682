package prompt

import "errors"

var (
	// ErrContextTooLarge indicates that the system prompt plus the
	// latest message cannot fit the model's context window. It is
	// typically paired with a 400 response.
	ErrContextTooLarge = errors.New("context too large")
	// ErrInvalidRole indicates a message role other than system, user
	// or assistant.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrUnknownTemplate indicates an unrecognized template name.
	ErrUnknownTemplate = errors.New("unknown prompt template")
)
