package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrChannelUnavailable is transient: the channel is down or did not
	// answer in time. The session manager retries it with backoff.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrAuthRejected is fatal and never retried automatically.
	ErrAuthRejected = errors.New("auth rejected")
	// ErrHistoryFetchFailed closes the affected conversation.
	ErrHistoryFetchFailed = errors.New("history fetch failed")
	// ErrSendFailed leaves the message in place with status failed.
	ErrSendFailed = errors.New("send failed")
	// ErrDuplicateEvent reports an already applied message event. It is
	// counted, not surfaced.
	ErrDuplicateEvent = errors.New("duplicate event ignored")

	ErrNotConnected        = errors.New("not connected")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrNotFailed           = errors.New("message is not in failed state")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrConversationExists  = errors.New("conversation already exists")
	ErrNotEditable         = errors.New("message cannot be changed")
	ErrClosed              = errors.New("engine closed")
)

// APIError is a non-2xx response from the REST backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Is maps authentication failures onto ErrAuthRejected.
func (e *APIError) Is(target error) bool {
	if target == ErrAuthRejected {
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	}
	return false
}
