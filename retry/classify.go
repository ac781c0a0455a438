package retry

import (
	"context"
	"errors"
	"strings"
)

// Failure classes for chain and MPC operations. Classification is by message
// pattern because the RPC node reports most failures as opaque strings.
var retryablePatterns = []string{
	"connection timeout",
	"connection reset",
	"socket hang up",
	"429",
	"too many requests",
	"503",
	"service unavailable",
	"blockhash not found",
	"node is behind",
	"no such host",
	"rate limit",
	"timed out",
	"i/o timeout",
	"connection refused",
	"eof",
}

var fatalPatterns = []string{
	"insufficient funds",
	"account not found",
	"invalid account owner",
	"invalid account data",
	"custom program error",
	"instruction error",
	"lamport balance below rent exempt",
}

// IsRetryable reports whether err is a transient failure worth another attempt.
// Fatal patterns win over retryable ones; anything unmatched is not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err matches a known permanent on-chain failure.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
