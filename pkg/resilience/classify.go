package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorClass labels an error for metrics and for generic (non-storage,
// non-orchestrator) retry decisions.
type ErrorClass string

const (
	ClassNone             ErrorClass = "none"
	ClassTimeout          ErrorClass = "timeout"
	ClassNetwork          ErrorClass = "network"
	ClassContextCancelled ErrorClass = "context_cancelled"
	ClassContextDeadline  ErrorClass = "context_deadline"
	ClassDNS              ErrorClass = "dns"
	ClassUnknown          ErrorClass = "unknown"
)

// Classify buckets an error for metrics labeling. It does not decide
// retryability by itself; see Classifier implementations per caller.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, context.Canceled) {
		return ClassContextCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassContextDeadline
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassDNS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timed out"):
		return ClassTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// NetworkClassifier treats common transient network/timeout conditions as
// retryable. Used by the orchestrator client, which talks to the Kubernetes
// API over HTTP rather than a typed SQL driver.
type NetworkClassifier struct{}

func (NetworkClassifier) Retryable(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED),
			errors.Is(opErr.Err, syscall.ECONNRESET),
			errors.Is(opErr.Err, syscall.ENETUNREACH),
			errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return true
		}
	}

	type temporary interface{ Temporary() bool }
	if te, ok := err.(temporary); ok {
		return te.Temporary()
	}

	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok && te.Timeout() {
		return true
	}

	class := Classify(err)
	return class == ClassTimeout || class == ClassNetwork || class == ClassDNS
}
