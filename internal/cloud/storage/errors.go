package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedDestination is returned when no backend can serve a connection string.
var ErrUnsupportedDestination = errors.New("unsupported storage destination")

// UploadError is a failed package upload. Destination never carries credentials.
type UploadError struct {
	Destination string
	Err         error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload to %s failed: %v", e.Destination, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsUploadError reports whether err is, or wraps, an UploadError.
func IsUploadError(err error) bool {
	var target *UploadError
	return errors.As(err, &target)
}

// IsDiskFullError checks if an error is likely caused by running out of disk space.
//
// Checks for common error strings across different operating systems:
//   - Linux/Unix: "no space left on device", "enospc"
//   - Windows: "out of disk space", "insufficient disk space"
//   - Quota: "disk quota exceeded"
func IsDiskFullError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	diskFullIndicators := []string{
		"no space left on device",
		"disk full",
		"out of disk space",
		"insufficient disk space",
		"not enough space",
		"enospc",
		"disk quota exceeded",
	}

	for _, indicator := range diskFullIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
