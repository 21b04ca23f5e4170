package config

import (
	"errors"
	"fmt"
)

// ErrMissing reports a required key that is absent.
var ErrMissing = errors.New("required setting is missing")

// Error is a configuration error: missing file, missing key or a value of the
// wrong type. It is fatal at startup.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StorageError reports an output directory that could not be created.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
