package domain

import "errors"

var (
	ErrNotFound           = errors.New("room not found")
	ErrWrongPassword      = errors.New("wrong room password")
	ErrFull               = errors.New("room is full")
	ErrInvalidParameters  = errors.New("invalid room parameters")
	ErrBackendUnavailable = errors.New("shared store unavailable")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrNotOwner           = errors.New("not the owner of the room")

	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)
