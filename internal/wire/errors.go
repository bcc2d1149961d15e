package wire

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every decode failure.
var ErrMalformed = errors.New("malformed datagram")

// ErrInvalidField is returned by encoders for values the framing cannot carry.
var ErrInvalidField = errors.New("invalid field")

// DecodeError describes why a datagram could not be decoded.
type DecodeError struct {
	Codec  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s decode: %s: %v", e.Codec, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s decode: %s", e.Codec, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformed) match any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

func decodeErr(codec, reason string, err error) error {
	return &DecodeError{Codec: codec, Reason: reason, Err: err}
}
