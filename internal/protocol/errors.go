package protocol

import (
	"errors"
	"fmt"
)

const (
	// Request validation (rejected before any write).
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrInvalidResource = "E_INVALID_RESOURCE"
	ErrInvalidQuantity = "E_INVALID_QUANTITY"

	// Business rules (rejected before any write, retryable once the caller
	// corrects state).
	ErrNoInventory  = "E_NO_INVENTORY"
	ErrNoFunds      = "E_NO_FUNDS"
	ErrSelfTrade    = "E_SELF_TRADE"
	ErrNotYourTurn  = "E_NOT_YOUR_TURN"
	ErrNoPermission = "E_NO_PERMISSION"
	ErrNotFound     = "E_NOT_FOUND"
	ErrConflict     = "E_CONFLICT"
	ErrPhaseClosed  = "E_PHASE_CLOSED"

	// Infrastructure.
	ErrStorage  = "E_STORAGE"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:      {},
	ErrInvalidResource: {},
	ErrInvalidQuantity: {},
	ErrNoInventory:     {},
	ErrNoFunds:         {},
	ErrSelfTrade:       {},
	ErrNotYourTurn:     {},
	ErrNoPermission:    {},
	ErrNotFound:        {},
	ErrConflict:        {},
	ErrPhaseClosed:     {},
	ErrStorage:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error carries one of the E_* codes above so callers can branch on the code
// instead of string-matching messages.
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Code + ": " + e.Msg }

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the error's code, or E_INTERNAL for anything unrecognized.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}
