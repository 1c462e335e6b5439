package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Error kinds reported in metrics and dead letters
const (
	KindTimeout    = "timeout"
	KindConnection = "connection"
	KindCanceled   = "canceled"
	KindShutdown   = "shutdown"
	KindRejected   = "rejected"
	KindTransient  = "transient"
)

// permanentError marks a sink rejection that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher dead-letters without retrying.
// Sinks use it for schema mismatches and malformed payloads.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// TransientSinkError is a failed attempt that will be retried
type TransientSinkError struct {
	Sink    SinkID
	Attempt int
	Kind    string
	Err     error
}

func (e *TransientSinkError) Error() string {
	return fmt.Sprintf("sink %s attempt %d failed (%s): %v", e.Sink, e.Attempt, e.Kind, e.Err)
}

func (e *TransientSinkError) Unwrap() error { return e.Err }

// TerminalSinkError is a delivery that will not be retried further. The
// (event, sink) pair is dead-lettered.
type TerminalSinkError struct {
	Sink     SinkID
	Attempts int
	Kind     string
	Err      error
}

func (e *TerminalSinkError) Error() string {
	return fmt.Sprintf("sink %s failed after %d attempts (%s): %v", e.Sink, e.Attempts, e.Kind, e.Err)
}

func (e *TerminalSinkError) Unwrap() error { return e.Err }

// connection failure patterns not always surfaced as typed errors
var connectionPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"no route to host",
	"no servers available",
	"eof",
}

// Classify maps an attempt error to an error kind
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if IsPermanent(err) {
		return KindRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return KindTimeout
	}
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return KindConnection
		}
	}
	return KindTransient
}
