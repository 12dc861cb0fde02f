package imaging

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat indicates the input or target format is not handled.
	ErrUnsupportedFormat = errors.New("imaging: unsupported format")
	// ErrCorrupt indicates the input claims a known format but cannot be decoded.
	ErrCorrupt = errors.New("imaging: corrupt image data")
	// ErrInvalidQuality indicates a JPEG quality outside 1..100.
	ErrInvalidQuality = errors.New("imaging: invalid JPEG quality")
	// ErrInvalidEdit indicates edit parameters that cannot be applied.
	ErrInvalidEdit = errors.New("imaging: invalid edit")
	// ErrNoImage indicates an operation was called without an asset.
	ErrNoImage = errors.New("imaging: no image")
)

// DecodeErrorKind classifies decode failures.
type DecodeErrorKind string

const (
	DecodeUnsupportedFormat DecodeErrorKind = "unsupported_format"
	DecodeCorrupt           DecodeErrorKind = "corrupt"
)

// DecodeError is returned by Decode for untrusted input that cannot become an Asset.
type DecodeError struct {
	Kind   DecodeErrorKind
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format == FormatUnknown {
		return fmt.Sprintf("imaging: decode: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("imaging: decode %s: %s: %v", e.Format, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels regardless of the wrapped cause.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrUnsupportedFormat:
		return e.Kind == DecodeUnsupportedFormat
	case ErrCorrupt:
		return e.Kind == DecodeCorrupt
	}
	return false
}

// EncodeError is returned by Convert.
type EncodeError struct {
	Format Format
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("imaging: encode %s: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

func corrupt(format Format, err error) *DecodeError {
	return &DecodeError{Kind: DecodeCorrupt, Format: format, Err: err}
}
