package boarding

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQR       = errors.New("invalid QR code")
	ErrStudentNotFound = errors.New("student not found")
	ErrCaptainNotFound = errors.New("captain not found")
	ErrRouteMismatch   = errors.New("route not assigned to this student")
	ErrNoActiveRide    = errors.New("no active ride on this route")
	ErrAlreadyBoarded  = errors.New("already boarded this session")
	ErrNoActiveSession = errors.New("no active session")
	// ErrStorage is all a caller learns about an unexpected storage failure.
	ErrStorage = errors.New("something went wrong, please try again")
)

// Kind groups errors by how a caller should react.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindStorage    Kind = "storage"
)

// RejectedError is a user-visible rejection. Reason is safe to show to the
// student or captain; Err is one of the package sentinels.
type RejectedError struct {
	Err    error
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }
func (e *RejectedError) Unwrap() error { return e.Err }

func reject(sentinel error, reason string) error {
	if reason == "" {
		reason = sentinel.Error()
	}
	return &RejectedError{Err: sentinel, Reason: reason}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidQR), errors.Is(err, ErrRouteMismatch), errors.Is(err, ErrNoActiveRide):
		return KindValidation
	case errors.Is(err, ErrAlreadyBoarded):
		return KindConflict
	case errors.Is(err, ErrStudentNotFound), errors.Is(err, ErrCaptainNotFound), errors.Is(err, ErrNoActiveSession):
		return KindNotFound
	}
	return KindStorage
}

// Reason returns the message to show a user for err.
func Reason(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	if KindOf(err) == KindStorage {
		return ErrStorage.Error()
	}
	return err.Error()
}
