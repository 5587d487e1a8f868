package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrQueueEmpty          = errors.New("queue empty")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected request")
)
