package installer

import (
	"errors"
	"fmt"
)

// ErrInvalidIndex is returned when a content index fails to decode or
// validate.
var ErrInvalidIndex = errors.New("invalid content index")

// IOError wraps a filesystem failure with the operation and path involved.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("cannot %s %s: %v", e.Op, e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// ReadIndexError is returned when the index file exists but cannot be read.
type ReadIndexError struct {
	Path string
	Err  error
}

func (e *ReadIndexError) Error() string {
	return fmt.Sprintf("cannot read content index %s: %v", e.Path, e.Err)
}
func (e *ReadIndexError) Unwrap() error { return e.Err }

// IndexNotFoundError is returned when a directory has no content index.
type IndexNotFoundError struct {
	Dir string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("no content index in %s", e.Dir)
}
