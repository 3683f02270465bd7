package ingest

import "errors"

// ErrStoreUnavailable marks a persistence failure. The caller gets a 500 and
// retries with backoff; readings are never buffered in memory.
var ErrStoreUnavailable = errors.New("store unavailable")

// ReceivedIdentity echoes the identity fields the submitter actually sent, so
// a rejected device can see what the server looked at.
type ReceivedIdentity struct {
	CameraID  uint   `json:"camera_id"`
	IPAddress string `json:"ip_address"`
}

// ValidationError rejects a submission before anything is written. It is the
// only hard rejection in the pipeline; every other missing field is defaulted.
type ValidationError struct {
	Message  string
	Hint     string
	Received *ReceivedIdentity
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Message
}

// newIdentityError builds the rejection for an unresolvable device identity.
func newIdentityError(received ReceivedIdentity) *ValidationError {
	return &ValidationError{
		Message:  "device identity required",
		Hint:     "provide device_id, or a camera_id or ip_address matching a registered camera",
		Received: &received,
	}
}
