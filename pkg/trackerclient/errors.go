package trackerclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mycelian/shardtracker/pkg/wire"
)

// APIError is a non-2xx response from the tracker.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("tracker: %d %s (%s): %s", e.Status, http.StatusText(e.Status), e.Field, e.Message)
	}
	return fmt.Sprintf("tracker: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// ConflictError is a 409. Current holds the authoritative shard when the
// conflict was about a shard, so callers can re-decide without another read.
type ConflictError struct {
	APIError
	Current *wire.ShardRecord
}

func (e *ConflictError) Error() string { return e.APIError.Error() }

// IsConflict reports whether err is a 409 from the tracker.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// CurrentShard extracts the authoritative shard from a conflict error.
func CurrentShard(err error) (*wire.ShardRecord, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) && ce.Current != nil {
		return ce.Current, true
	}
	return nil, false
}

// IsNotFound reports whether err is a 404 from the tracker.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsInvalidTransition reports whether err is a 422 from the tracker.
func IsInvalidTransition(err error) bool { return hasStatus(err, http.StatusUnprocessableEntity) }

func hasStatus(err error, status int) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status == status
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Status == status
	}
	return false
}
