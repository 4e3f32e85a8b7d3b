package xrpc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// Error names an XRPC host returns when an account is permanently
// unavailable. These are surfaced as TerminalError so the caller can mark
// the account seen instead of retrying.
var terminalErrorNames = map[string]bool{
	"RepoDeactivated": true,
	"RepoTakendown":   true,
	"RepoNotFound":    true,
	"NotFound":        true,
}

// TerminalError marks an account as permanently unavailable (deactivated,
// taken down, or not found).
type TerminalError struct {
	Name    string
	Message string
}

func (e *TerminalError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("account unavailable (%s): %s", e.Name, e.Message)
	}
	return fmt.Sprintf("account unavailable (%s)", e.Name)
}

// StatusError is a non-success XRPC response that is not terminal.
type StatusError struct {
	Code    int
	Name    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("xrpc status %d (%s): %s", e.Code, e.Name, e.Message)
	}
	return fmt.Sprintf("xrpc status %d", e.Code)
}

// IsTerminal reports whether err means the account is permanently gone.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// isDialError reports a connection-establishment failure. These surface
// immediately without retry since the host is unreachable for this call
// class.
func isDialError(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) {
		return op.Op == "dial"
	}
	return false
}

// isRateLimited reports an explicit rate-limit response.
func isRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// isRetryable reports whether the request may be attempted again: rate
// limits, 5xx responses, and network-level failures other than dial
// errors. Terminal and other protocol errors are not retryable.
func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return false
	}
	if isDialError(err) {
		return false
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
