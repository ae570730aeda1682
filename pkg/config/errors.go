package config

import "errors"

var (
	// ErrUnsupportedFormat indicates a config file extension that is
	// not one of .yaml, .yml, .toml or .json.
	ErrUnsupportedFormat = errors.New("unsupported config format")
)
