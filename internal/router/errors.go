package router

import "errors"

// Router errors
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRecipientNotFound = errors.New("recipient not connected")
	ErrUnknownCommand    = errors.New("unknown command")
)
