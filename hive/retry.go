package hive

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrorClass buckets an RPC failure for retry purposes.
type ErrorClass int

const (
	// Transient errors are worth retrying on another node.
	Transient ErrorClass = iota
	// Permanent errors will fail identically everywhere; propagate.
	Permanent
)

// The public nodes surface most failures as opaque strings, so
// classification is by pattern, same buckets the chain tooling uses.
var transientPatterns = []string{
	"500", "502", "503", "504",
	"Internal Server Error",
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"no such host",
	"EOF",
}

// Classify decides whether an error is worth retrying.
func Classify(err error) ErrorClass {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Transient
	}
	msg := err.Error()
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return Transient
		}
	}
	return Permanent
}

// Retry runs fn up to maxAttempts times. Transient failures wait
// baseDelay * 2^(attempt-1), rotate to the next API node and try again.
// Permanent failures and attempt exhaustion propagate to the caller, which
// owns its own failure policy. Context cancellation is honored between
// attempts.
func (c *Client) Retry(ctx context.Context, operation string, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if Classify(err) == Permanent {
			return err
		}
		if attempt >= maxAttempts {
			return err
		}

		delay := c.BaseDelay << uint(attempt-1)
		log.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"max":       maxAttempts,
			"delay":     delay,
		}).Warn("transient failure, will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		// A bad RPC node stays bad; move off it before the next attempt.
		log.WithField("node", c.Rotate()).Debug("rotated hive api node")
	}
}
