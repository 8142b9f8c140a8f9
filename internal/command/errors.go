// Package command routes client operations to node agents as commands,
// persists their lifecycle, and correlates asynchronous results back to
// waiting callers.
package command

import (
	"errors"
	"fmt"
	"time"
)

// ErrHostNotFound is returned when an FQN resolves to no known host.
var ErrHostNotFound = errors.New("host not found")

// ErrMalformedResult is returned when a node acknowledges success but omits
// the payload the command type requires.
var ErrMalformedResult = errors.New("malformed command result")

// ErrShuttingDown rejects every waiter abandoned by Cleanup.
var ErrShuttingDown = errors.New("CommandRouter shutting down")

// TimeoutError is returned when no result arrives within the command
// timeout.
type TimeoutError struct {
	CommandID  string
	Attempt    int
	MaxRetries int
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out after %dms (attempt %d/%d)",
		e.CommandID, e.Timeout.Milliseconds(), e.Attempt, e.MaxRetries)
}

// FailedError carries the node's reason for a failed command.
type FailedError struct {
	CommandID string
	Reason    string
}

func (e *FailedError) Error() string {
	if e.Reason == "" {
		return "Command failed"
	}
	return e.Reason
}
