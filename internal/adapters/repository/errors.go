package repository

import "errors"

// Sentinel kinds for store and projection errors.
var (
	ErrNotFound     = errors.New("subject not found")
	ErrInvalidLimit = errors.New("invalid ranking limit")
	ErrDuplicate    = errors.New("record already exists")
	ErrUnknownKind  = errors.New("unknown ranking kind")
)
