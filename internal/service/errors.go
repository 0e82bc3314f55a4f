package service

import "errors"

var (
	ErrNotParticipant     = errors.New("user is not a participant of this conversation")
	ErrNotAuthor          = errors.New("only the author can modify this message")
	ErrNotFound           = errors.New("not found")
	ErrInvalidContent     = errors.New("invalid content")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrWrongType          = errors.New("operation not allowed for this message type")
	ErrExpired            = errors.New("exchange proposal has expired")
	ErrAlreadyResolved    = errors.New("exchange proposal was already resolved")
	ErrForbidden          = errors.New("forbidden")
	ErrRateLimited        = errors.New("too many messages, slow down")
	ErrTransport          = errors.New("upstream service unavailable")
)
