package server

import (
	"errors"
	"fmt"
)

// Code is the machine-readable half of a domain error.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeFull              Code = "FULL"
	CodeLocked            Code = "LOCKED"
	CodeWrongCode         Code = "WRONG_CODE"
	CodeCodeTaken         Code = "CODE_TAKEN"
	CodeDuplicateIdentity Code = "DUPLICATE_IDENTITY"
	CodeInProgress        Code = "IN_PROGRESS"
	CodeNotHost           Code = "NOT_HOST"
	CodeNotEnoughPlayers  Code = "NOT_ENOUGH_PLAYERS"
	CodeNotAllReady       Code = "NOT_ALL_READY"
	CodeAlreadyPlaying    Code = "ALREADY_PLAYING"
	CodeNotPlaying        Code = "NOT_PLAYING"
	CodeSpectatorsFull    Code = "SPECTATORS_FULL"
	CodeAlreadyPresent    Code = "ALREADY_PRESENT"
	CodeNotInLobby        Code = "NOT_IN_LOBBY"
	CodeNotAllowed        Code = "NOT_ALLOWED"

	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeAuthFailed       Code = "AUTH_FAILED"
	CodeAccountExists    Code = "ACCOUNT_EXISTS"
	CodeTokenNotFound    Code = "TOKEN_NOT_FOUND"
	CodeInvalidPayload   Code = "INVALID_PAYLOAD"
	CodeUnknownType      Code = "UNKNOWN_TYPE"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// Error is a domain failure reported back to the client. It renders as
// "CODE: message".
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the domain code from err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
