package nca

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() checks
var (
	// ErrInvalidMagic is returned when the decrypted header carries no
	// recognized container magic; the input is not an NCA.
	ErrInvalidMagic = errors.New("invalid NCA magic")

	// ErrUnsupportedFormat is returned for recognized but unimplemented
	// layouts: NCA2, NCA0 and the rights-id key derivation path.
	ErrUnsupportedFormat = errors.New("unsupported NCA format")

	// ErrValidation is returned when a structurally present field holds a
	// value the format does not allow.
	ErrValidation = errors.New("invalid NCA field")
)

// UnsupportedFormatError names the recognized-but-unimplemented layout or
// path that was encountered.
type UnsupportedFormatError struct {
	Reason string
}

func (e *UnsupportedFormatError) Error() string {
	return "unsupported NCA format: " + e.Reason
}

// Is implements errors.Is against ErrUnsupportedFormat.
func (e *UnsupportedFormatError) Is(target error) bool {
	return target == ErrUnsupportedFormat
}

// ValidationError reports a semantically invalid header field.
type ValidationError struct {
	Field string
	Value uint64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid NCA %s: %#x", e.Field, e.Value)
}

// Is implements errors.Is against ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
