package config

import "errors"

// Sentinels wrapped by Load and Validate.
var (
	// ErrLoadConfig covers an unreadable config file or env values that do
	// not decode into Config.
	ErrLoadConfig = errors.New("read benchrank config")

	// ErrInvalidConfig means the layered values failed their validate tags.
	ErrInvalidConfig = errors.New("benchrank config rejected")
)
