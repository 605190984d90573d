package dth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOutOfBounds      = errors.New("field read exceeds available bytes")
	ErrInvalidWidth     = errors.New("field width must be 1, 2, 4 or 8 bytes")
	ErrTruncatedHeader  = errors.New("insufficient data for orbit header")
	ErrBadHeaderMarker  = errors.New("invalid orbit header marker")
	ErrTruncatedTrailer = errors.New("insufficient data for fragment trailer")
	ErrBadTrailerMarker = errors.New("invalid fragment trailer marker")
	ErrTruncatedPayload = errors.New("insufficient data for fragment payload")
)

// DecodeError locates a decode failure inside the buffer. Orbit and Ordinal
// are -1 when the failure is not tied to one.
type DecodeError struct {
	Kind     error
	Orbit    int
	Ordinal  int
	Offset   int
	Field    string
	Need     int
	Have     int
	Expected []byte
	Actual   []byte
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Orbit >= 0 {
		fmt.Fprintf(&b, " in orbit %d", e.Orbit)
	}
	if e.Ordinal >= 0 {
		fmt.Fprintf(&b, " fragment %d", e.Ordinal)
	}
	fmt.Fprintf(&b, " at offset 0x%X", e.Offset)
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	if e.Need > 0 || e.Have > 0 {
		fmt.Fprintf(&b, ": need %d bytes, have %d", e.Need, e.Have)
	}
	if e.Expected != nil {
		fmt.Fprintf(&b, ": expected % X, got % X", e.Expected, e.Actual)
	}
	return b.String()
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// Code is the diagnostic code for the error kind.
func (e *DecodeError) Code() string {
	switch e.Kind {
	case ErrOutOfBounds:
		return "error.out_of_bounds"
	case ErrInvalidWidth:
		return "error.invalid_width"
	case ErrTruncatedHeader:
		return "error.truncated_header"
	case ErrBadHeaderMarker:
		return "error.bad_header_marker"
	case ErrTruncatedTrailer:
		return "error.truncated_trailer"
	case ErrBadTrailerMarker:
		return "error.bad_trailer_marker"
	case ErrTruncatedPayload:
		return "error.truncated_payload"
	}
	return "error.decode"
}

// at fills in location details on a DecodeError returned by a lower layer,
// leaving anything already set untouched.
func at(err error, orbit, ordinal int) error {
	var de *DecodeError
	if errors.As(err, &de) {
		if de.Orbit < 0 {
			de.Orbit = orbit
		}
		if de.Ordinal < 0 {
			de.Ordinal = ordinal
		}
	}
	return err
}

func newDecodeError(kind error, offset int) *DecodeError {
	return &DecodeError{Kind: kind, Orbit: -1, Ordinal: -1, Offset: offset}
}
