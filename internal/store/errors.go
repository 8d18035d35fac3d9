package store

import "errors"

var (
	ErrInvalidCategory     = errors.New("invalid category")
	ErrGenerationExhausted = errors.New("display code generation exhausted")
	ErrTokenNotFound       = errors.New("token not found")
	ErrCounterNotFound     = errors.New("counter not found")
	ErrInvalidState        = errors.New("invalid token state")
	ErrCounterUnavailable  = errors.New("counter unavailable")
	ErrCounterBusy         = errors.New("counter busy")
	ErrDuplicateCounter    = errors.New("counter number already in use")
)
