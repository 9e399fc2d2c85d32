package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindTransient failures are retried through a fresh proxy identity.
	KindTransient Kind = iota
	// KindFatal failures are returned to the caller immediately.
	KindFatal
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "fatal"
}

type FetchError struct {
	Kind     Kind
	URL      string
	Status   int // 0 when no response was received
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s fetch error for %s (status %d, %d attempts): %v", e.Kind, e.URL, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s fetch error for %s (%d attempts): %v", e.Kind, e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsStatus reports whether err is a FetchError caused by the given HTTP status.
func IsStatus(err error, status int) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Status == status
}

// transientStatuses are the upstream answers that signal throttling or a
// temporarily unavailable backend. Every other error status is fatal.
var transientStatuses = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// classifyStatus returns the failure kind for an HTTP status, and false for
// statuses that are not failures.
func classifyStatus(status int) (Kind, bool) {
	if status < http.StatusBadRequest {
		return 0, false
	}
	if transientStatuses[status] {
		return KindTransient, true
	}
	return KindFatal, true
}
