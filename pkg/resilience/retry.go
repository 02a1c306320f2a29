// Package resilience provides the retry and backoff primitives shared by
// the database manager and the operational manager's orchestrator calls.
//
// There is deliberately one retry implementation in this repository: the
// database layer retries transient storage errors, the orchestrator layer
// retries transient orchestrator-API errors, and both call through here so
// the backoff math and jitter formula never drift apart.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with jitter:
//
//	delay_k = BaseDelay * 2^k * U[0.5, 1.5], capped at MaxDelay
//
// for up to MaxAttempts total tries. Only errors the Classifier reports as
// retryable are retried; anything else short-circuits immediately.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first (1 = no retries).
	MaxAttempts int

	// BaseDelay is delay_0 before jitter.
	BaseDelay time.Duration

	// MaxDelay caps every computed delay.
	MaxDelay time.Duration

	// Classifier decides whether an error is worth retrying. Nil means
	// every non-nil error is retried.
	Classifier Classifier

	Logger *slog.Logger

	// OperationName labels log lines and metrics for this call site.
	OperationName string
}

// Classifier reports whether an error should trigger another attempt.
type Classifier interface {
	Retryable(err error) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(err error) bool

func (f ClassifierFunc) Retryable(err error) bool { return f(err) }

// DefaultPolicy returns sane defaults: 4 attempts, 100ms base, 5s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p Policy) retryable(err error) bool {
	if p.Classifier == nil {
		return true
	}
	return p.Classifier.Retryable(err)
}

// delay computes delay_k = BaseDelay * 2^k * U[0.5, 1.5], capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	scaled := float64(base) * math.Pow(2, float64(attempt))
	jitter := 0.5 + rand.Float64() // U[0.5, 1.5]
	d := time.Duration(scaled * jitter)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs operation, retrying per policy. It returns the final error if
// every attempt fails or the error stops being retryable.
func Do(ctx context.Context, policy Policy, operation func(ctx context.Context) error) error {
	_, err := DoValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// DoValue is like Do but for operations that return a value alongside the error.
func DoValue[T any](ctx context.Context, policy Policy, operation func(ctx context.Context) (T, error)) (T, error) {
	logger := policy.logger()
	opName := policy.OperationName
	if opName == "" {
		opName = "unknown"
	}

	var lastErr error
	var lastVal T

	for attempt := 0; attempt < policy.attempts(); attempt++ {
		val, err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", "op", opName, "attempt", attempt+1)
			}
			return val, nil
		}

		lastErr, lastVal = err, val

		if !policy.retryable(err) {
			logger.Debug("error not retryable, stopping", "op", opName, "attempt", attempt+1, "error", err)
			return lastVal, lastErr
		}

		if attempt == policy.attempts()-1 {
			logger.Error("operation exhausted retries", "op", opName, "attempts", attempt+1, "error", err)
			break
		}

		d := policy.delay(attempt)
		logger.Warn("operation failed, retrying", "op", opName, "attempt", attempt+1, "delay", d, "error", err)

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return lastVal, ctx.Err()
		}
	}

	return lastVal, fmt.Errorf("%s failed after %d attempts: %w", opName, policy.attempts(), lastErr)
}
