package codec

import "errors"

// ErrMalformedMessage is matched by every decode failure.
var ErrMalformedMessage = errors.New("malformed message")

// MalformedError describes why a raw message was rejected.
type MalformedError struct {
	Type   MessageType
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed " + e.Type.String() + " message: " + e.Reason
}

// Is reports ErrMalformedMessage so callers can use errors.Is
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedMessage
}

func malformed(t MessageType, reason string) error {
	return &MalformedError{Type: t, Reason: reason}
}
