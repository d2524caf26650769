package config

import "fmt"

// ErrorKind classifies configuration failures.
type ErrorKind int

const (
	MissingField ErrorKind = iota
	InvalidValue
	FileNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing field"
	case InvalidValue:
		return "invalid value"
	case FileNotFound:
		return "file not found"
	default:
		return "unknown"
	}
}

// Error is a fatal configuration error. The process must not start a
// listener after Load returns one of these.
type Error struct {
	Kind  ErrorKind
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Field, e.Kind, e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func errMissing(field string) error {
	return &Error{Kind: MissingField, Field: field}
}

func errInvalid(field string, err error) error {
	return &Error{Kind: InvalidValue, Field: field, Err: err}
}

func errNotFound(field string, err error) error {
	return &Error{Kind: FileNotFound, Field: field, Err: err}
}
