package api

import (
	"errors"
	"fmt"
	"net/http"
)

// RemoteError is a non-2xx response from the control plane.
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status of a RemoteError anywhere in err's chain,
// or 0 if there is none.
func StatusCode(err error) int {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the control plane.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsUnauthorized reports whether the control plane rejected the forwarded token.
func IsUnauthorized(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
