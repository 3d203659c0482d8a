package auth

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("resource conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken indicates a session token failed validation.
	ErrInvalidToken = errors.New("invalid token")
)
