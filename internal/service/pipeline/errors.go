package pipeline

import "errors"

var (
	// ErrConsentRequired is returned when voice input arrives without a voice grant.
	ErrConsentRequired = errors.New("voice consent required")
	// ErrSendInProgress rejects a second send on a session while one is running.
	ErrSendInProgress = errors.New("a message is already being sent in this session")
	ErrEmptyInput     = errors.New("message is empty")
	ErrUnknownReply   = errors.New("unknown quick reply")
)
