package callbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sewef/macroHero-sub001/pkg/models"
)

var (
	// ErrClosed is returned by Call after Close.
	ErrClosed = errors.New("callbus: client is closed")
	// ErrThrottled is returned when the outbound rate limit refuses a call
	// before anything is published.
	ErrThrottled = errors.New("callbus: outbound rate limit exceeded")
)

// ValidationError reports malformed input. It is raised before any I/O and
// is never retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NoResponderError reports that no matching response arrived within the
// timeout window. Distinguishable from RemoteError so the operator can tell
// "nobody answered" from "the peer refused".
type NoResponderError struct {
	Op      models.Op
	Timeout time.Duration
}

func (e *NoResponderError) Error() string {
	return fmt.Sprintf("no responder for %s within %s", e.Op, e.Timeout)
}

// RemoteError reports that a peer explicitly replied ok:false.
type RemoteError struct {
	Op      models.Op
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote rejected %s: %s", e.Op, e.Message)
}
