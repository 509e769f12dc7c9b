package strata

import (
	"errors"
)

var (
	ErrInvalidKey    = errors.New("cache key must not be empty")
	ErrSerialization = errors.New("serialization failed")
	ErrClosed        = errors.New("cache engine is shut down")
)
