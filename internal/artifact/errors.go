package artifact

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMetadataFetchFailed is returned once release metadata retries are exhausted.
	ErrMetadataFetchFailed = errors.New("release metadata fetch failed")
	// ErrDownloadFailed is returned once download retries are exhausted.
	ErrDownloadFailed = errors.New("artifact download failed")
	// ErrIncomplete marks a transfer that ended with fewer bytes than declared.
	ErrIncomplete = errors.New("artifact incomplete")
	// ErrNoAsset means the release carries no deployable archive.
	ErrNoAsset = errors.New("no deployable asset in release")
)

// StatusError is an HTTP error status from the release host. It is never retried.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
	if e.RateLimited() {
		msg += " (API rate limit exceeded, set GITHUB_TOKEN to raise the limit)"
	}
	return msg
}

// RateLimited reports whether the status is the host's rate-limit answer.
func (e *StatusError) RateLimited() bool { return e.Code == http.StatusForbidden }

// IsStatus reports whether err carries an HTTP status error with the given code.
// A zero code matches any status error.
func IsStatus(err error, code int) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return code == 0 || se.Code == code
}
