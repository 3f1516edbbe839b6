package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPatientNotFound  = errors.New("patient not found")
	ErrFacilityNotFound = errors.New("facility not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTemporary        = errors.New("temporary failure")
	ErrRegistration     = errors.New("network registration failed")
	ErrIdentityConflict = errors.New("network identity conflict")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// CallKind classifies the outcome of a remote network call.
type CallKind int

const (
	KindOK CallKind = iota
	KindNotFound
	KindTemporary
	KindFatal
)

func (k CallKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindTemporary:
		return "temporary"
	default:
		return "fatal"
	}
}

// NetworkError is returned by every NetworkClient call that fails. Reference
// carries the network's trace reference for the failed request, if any.
type NetworkError struct {
	Kind      CallKind
	Operation string
	Reference string
	Err       error
}

func (e *NetworkError) Error() string {
	if e == nil {
		return "network error"
	}
	if e.Reference != "" {
		return fmt.Sprintf("network %s (%s, ref %s): %v", e.Operation, e.Kind, e.Reference, e.Err)
	}
	return fmt.Sprintf("network %s (%s): %v", e.Operation, e.Kind, e.Err)
}

func (e *NetworkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NetworkErrorKind reports how a call site should branch on err. A nil error
// is KindOK; errors that did not originate from the network are KindFatal.
func NetworkErrorKind(err error) CallKind {
	if err == nil {
		return KindOK
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Kind
	}
	if errors.Is(err, ErrTemporary) {
		return KindTemporary
	}
	return KindFatal
}

// NetworkReference extracts the trace reference from a NetworkError chain.
func NetworkReference(err error) string {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Reference
	}
	return ""
}
