package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrAlreadyCleared = errors.New("day already cleared")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidBid     = errors.New("invalid bid")
	ErrInvalidBlock   = errors.New("invalid block bid")
	ErrInvalidInput   = errors.New("invalid input")
	ErrLockHeld       = errors.New("lock already held")
)
