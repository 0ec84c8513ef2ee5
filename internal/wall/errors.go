package wall

import (
	"errors"
	"fmt"
)

var (
	// ErrGroupNotFound is returned when an operation names an unknown group.
	ErrGroupNotFound = errors.New("group not found")

	// ErrDuplicateGroupName is returned by Create when the name is taken.
	ErrDuplicateGroupName = errors.New("group name already exists")

	// ErrClientNotFound is returned when an operation names an unknown client.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidRequest wraps request-validation failures so the HTTP layer
	// can map them to 400.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrContainerNotRunning is returned by StartEncoder when the group's
	// relay container is not up.
	ErrContainerNotRunning = errors.New("relay container not running")

	// ErrScreenOutOfRange is returned when a screen number is >= screen count.
	ErrScreenOutOfRange = errors.New("screen number out of range")

	// ErrNoStreamsAvailable is returned by auto stream assignment when the
	// group has no logical streams.
	ErrNoStreamsAvailable = errors.New("no streams available")
)

// ScreenConflictError reports a screen already held by another client. The
// holder's identity is part of the error so callers can surface it.
type ScreenConflictError struct {
	Screen     int
	HolderID   string
	HolderName string
}

func (e *ScreenConflictError) Error() string {
	return fmt.Sprintf("screen %d already assigned to client %s (%s)", e.Screen, e.HolderID, e.HolderName)
}

// EncoderStartError carries the diagnostic tail captured during a failed
// encoder startup.
type EncoderStartError struct {
	GroupID string
	Reason  string
	Tail    []string
}

func (e *EncoderStartError) Error() string {
	return fmt.Sprintf("encoder start failed for group %s: %s", e.GroupID, e.Reason)
}
