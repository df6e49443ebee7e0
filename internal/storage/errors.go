package storage

import "errors"

// Sentinel errors returned by storage implementations. Callers match these
// with errors.Is to distinguish expected conditions from transient failures.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrCodeNotFound   = errors.New("authorization code not found")
	ErrCodeUsed       = errors.New("authorization code already used")
	ErrTokenNotFound  = errors.New("token not found")
	ErrTokenExpired   = errors.New("token expired")
	ErrUserNotFound   = errors.New("user not found")

	// ErrDuplicateEmail is returned when another user already holds the email
	// being saved.
	ErrDuplicateEmail = errors.New("email already in use")

	ErrVaultNotFound  = errors.New("vault not found")
	ErrVaultOpened    = errors.New("vault already opened")
	ErrGuessNotFound  = errors.New("vault guess not found")

	// ErrDuplicateHourGuess is returned when a user already submitted a guess
	// for the same vault in the current hour bucket.
	ErrDuplicateHourGuess = errors.New("guess already submitted this hour")

	// ErrDuplicateCombination is returned when the submitted combination has
	// already been tried against the same vault by any user.
	ErrDuplicateCombination = errors.New("combination already submitted")
)
