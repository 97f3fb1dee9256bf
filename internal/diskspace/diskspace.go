// Package diskspace checks free space on the filesystem that will hold a
// staging workspace before any bytes are copied into it.
package diskspace

import (
	"errors"
	"fmt"
)

// InsufficientSpaceError indicates that there is not enough disk space available.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, requiredMB, availableMB)
}

// CheckAvailableSpace returns an InsufficientSpaceError when the filesystem
// holding dir has less than requiredBytes*safetyMargin free. If the
// filesystem cannot be queried the check passes and the write fails naturally.
func CheckAvailableSpace(dir string, requiredBytes int64, safetyMargin float64) error {
	available, err := availableBytes(dir)
	if err != nil {
		return nil
	}

	requiredWithMargin := int64(float64(requiredBytes) * safetyMargin)
	if available < requiredWithMargin {
		return &InsufficientSpaceError{
			Path:           dir,
			RequiredBytes:  requiredWithMargin,
			AvailableBytes: available,
		}
	}
	return nil
}

// GetAvailableSpace returns the available space in bytes for the filesystem
// containing dir. Returns 0 if unable to determine.
func GetAvailableSpace(dir string) int64 {
	available, err := availableBytes(dir)
	if err != nil {
		return 0
	}
	return available
}

// IsInsufficientSpaceError checks if an error is, or wraps, an InsufficientSpaceError.
func IsInsufficientSpaceError(err error) bool {
	var target *InsufficientSpaceError
	return errors.As(err, &target)
}
