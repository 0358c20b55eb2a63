package session

import "errors"

var (
	ErrInvalidHubAddress = errors.New("invalid hub address")
	errEmptyNodeName     = errors.New("hub assigned an empty node name")
	errInterrupted       = errors.New("session interrupted")
)

// FatalError stops the reconnect loop instead of retrying.
type FatalError struct {
	err error
}

func NewFatalError(err error) FatalError {
	return FatalError{err: err}
}

func (e FatalError) Error() string {
	return e.err.Error()
}

func (e FatalError) Unwrap() error {
	return e.err
}
