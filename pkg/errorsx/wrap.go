// Package errorsx threads short machine-readable reason codes through
// wrapped errors, so callers branch on HasReason instead of matching
// message text.
package errorsx

import (
	"errors"
	"fmt"
)

// coded carries a reason alongside the original error. The reason is
// part of the message, so a plain %v in a log line still shows it.
type coded struct {
	reason ReasonCode
	err    error
}

func (c *coded) Error() string {
	if c.err == nil {
		return string(c.reason)
	}
	return fmt.Sprintf("%s: %v", c.reason, c.err)
}

func (c *coded) Unwrap() error { return c.err }

// Wrap attaches reason to err. A nil err stays nil, and an error that
// already carries a reason keeps it, so the innermost classification
// survives layered wrapping.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var c *coded
	if errors.As(err, &c) {
		return err
	}
	return &coded{reason: reason, err: err}
}

// Reason reports the reason carried by err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var c *coded
	if errors.As(err, &c) {
		return c.reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries exactly the given reason.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
