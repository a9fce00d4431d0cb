package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Error class constants for ingest failure classification.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassContention = "contention"
	ErrorClassConstraint = "constraint"
	ErrorClassUnknown    = "unknown"
)

// ClassifyError maps a store error to one of the defined classes so
// operators can alert on failure categories rather than opaque Go type
// names.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	// Timeout checks (before connection, since net.Error can be both).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	// String fallback for driver errors where type information is lost.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return ErrorClassConnection
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrorClassTimeout
	case strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "database is locked"):
		return ErrorClassContention
	case strings.Contains(msg, "violates foreign key constraint"),
		strings.Contains(msg, "violates unique constraint"),
		strings.Contains(msg, "violates check constraint"),
		strings.Contains(msg, "duplicate key"):
		return ErrorClassConstraint
	}

	return ErrorClassUnknown
}
