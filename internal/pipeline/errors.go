package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure for the caller and for rollback decisions.
type Kind int

const (
	// KindValidation is a failed precondition, such as a version that is not NOT_UPLOADED.
	KindValidation Kind = iota
	// KindNotFound means a required remote object does not exist.
	KindNotFound
	// KindRemote is a non-2xx control-plane or storage response.
	KindRemote
	// KindCrypto is a bad key or nonce, or an authentication failure.
	KindCrypto
	// KindIO is a local filesystem failure.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindRemote:
		return "remote"
	case KindCrypto:
		return "crypto"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Sentinel causes carried inside a StageError.
var (
	ErrVersionNotReady  = errors.New("dataset version is not in NOT_UPLOADED state")
	ErrNoDataFederation = errors.New("no data federation found")
	ErrNoDataModel      = errors.New("data federation has no data model")
	ErrNoFiles          = errors.New("no dataset files submitted")
	ErrDuplicateFile    = errors.New("duplicate dataset file name")
)

// StageError is a failure in one pipeline stage.
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf returns the Kind of err, or KindIO when err is not a StageError.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindIO
}

// StageOf returns the stage err failed in, or StageFailed when unknown.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageFailed
}

// IsConflict reports whether err means the version was not ready for upload.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionNotReady)
}

// IsNotFound reports whether err means a required remote object is missing.
func IsNotFound(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsValidation reports whether err is a rejected request rather than a pipeline failure.
func IsValidation(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == KindValidation
}
