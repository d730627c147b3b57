package egress

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// FailureKind classifies fetch failures for quarantine decisions.
type FailureKind string

// Failure classifications.
const (
	// FailureNone means the fetch succeeded.
	FailureNone FailureKind = "none"
	// FailureEgress implicates the outbound route: the path should be
	// quarantined and the fetch retried once direct.
	FailureEgress FailureKind = "egress"
	// FailureEndpoint implicates the target site (blocked, erroring, or
	// unparseable); the path stays healthy.
	FailureEndpoint FailureKind = "endpoint"
)

// Connection-level patterns that show up wrapped in transport errors where
// no typed error survives.
var egressPatterns = []string{
	"proxyconnect",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"tunnel",
	"tls handshake timeout",
}

// Classify decides whether an error implicates the egress path or the
// target endpoint. Caller-initiated cancellation is never an egress
// failure.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) {
		return FailureEndpoint
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureEgress
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureEgress
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return FailureEgress
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureEgress
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range egressPatterns {
		if strings.Contains(msg, pattern) {
			return FailureEgress
		}
	}
	return FailureEndpoint
}
