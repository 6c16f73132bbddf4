package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ErrClosed is returned by Send after Close
var ErrClosed = errors.New("fetcher is closed")

// Fetcher interface defines the contract for the form transport
type Fetcher interface {
	// Send performs one logical request. A nil form sends a GET, otherwise the
	// form is posted url-encoded. Retries happen inside a single call.
	Send(ctx context.Context, method, rawURL string, form url.Values) ([]byte, error)
	Close() error
}

// TransportError is a request that failed after the retry budget was spent
// or with a status that is not retried
type TransportError struct {
	Method     string
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed with status %d after %d attempt(s): %v", e.Method, e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
