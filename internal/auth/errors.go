package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnauthorized  = errors.New("auth: unauthorized")

	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountInactive    = errors.New("auth: account inactive")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenInvalid       = errors.New("auth: token invalid")
	ErrTokenReused        = errors.New("auth: refresh token reused")

	// ErrStaleGeneration is returned by SessionStore.Rotate when the family
	// moved past the expected generation or was revoked in the meantime.
	ErrStaleGeneration = errors.New("auth: token family generation changed")
)
