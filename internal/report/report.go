// Package report turns errors into the structured form surfaced to the
// front-end: a list of messages (outermost first) plus a backtrace.
package report

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ErrAborted marks an operation the user cancelled. It is rendered as a
// neutral outcome rather than a failure.
var ErrAborted = errors.New("aborted by user")

// Report is the wire form of an error.
type Report struct {
	Messages  []string `json:"messages"`
	Backtrace string   `json:"backtrace"`
	Aborted   bool     `json:"aborted,omitempty"`
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// WithStack records the caller's stack on err unless one is already attached.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	var st stackTracer
	if errors.As(err, &st) {
		return err
	}
	return pkgerrors.WithStack(err)
}

// New builds a Report from err. Each level of the Unwrap chain contributes the
// part of its message not already contained in the next level.
func New(err error) Report {
	if err == nil {
		return Report{}
	}
	r := Report{Aborted: IsAborted(err)}
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if _, ok := cur.(stackTracer); ok {
			continue
		}
		msg := cur.Error()
		if next := errors.Unwrap(cur); next != nil {
			msg = strings.TrimSuffix(strings.TrimSuffix(msg, next.Error()), ": ")
		}
		if msg != "" {
			r.Messages = append(r.Messages, msg)
		}
	}
	var st stackTracer
	if errors.As(err, &st) {
		r.Backtrace = strings.TrimPrefix(fmt.Sprintf("%+v", st.StackTrace()), "\n")
	}
	return r
}

// IsAborted reports whether err is, or wraps, ErrAborted.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

// String renders the messages as a "caused by" chain.
func (r Report) String() string {
	return strings.Join(r.Messages, "\n  caused by: ")
}
