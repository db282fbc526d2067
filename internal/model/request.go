package model

import "time"

// RequestType classifies the logical operation behind an observed network
// request.
type RequestType string

const (
	RequestTypeOrganizations RequestType = "organizations"
	RequestTypeTenants       RequestType = "tenants"
)

// RequestStatus is the lifecycle state of a tracked request.
type RequestStatus string

const (
	// RequestStatusPending is the initial state after registration.
	RequestStatusPending RequestStatus = "pending"

	// Terminal states. A request reaches exactly one of these, once.
	RequestStatusCompleted    RequestStatus = "completed"
	RequestStatusFailed       RequestStatus = "failed"
	RequestStatusTimeout      RequestStatus = "timeout"
	RequestStatusCancelled    RequestStatus = "cancelled"
	RequestStatusStaleCleanup RequestStatus = "stale_cleanup"
)

// IsTerminal reports whether the status ends the request lifecycle.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusTimeout,
		RequestStatusCancelled, RequestStatusStaleCleanup:
		return true
	}
	return false
}

// TrackedRequest is a logical network request observed by the lifecycle
// tracker. It is owned exclusively by the tracker for its lifetime and moved
// to a bounded history on completion, never deleted in place.
type TrackedRequest struct {
	ID        string
	Sequence  uint64
	Type      RequestType
	URL       string
	TabID     int
	Status    RequestStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	// Duration is set when the request reaches a terminal state.
	Duration time.Duration

	// Reason carries failure detail (HTTP status, timeout, shutdown).
	Reason string
}

// RequestObservation is the "request observed" half of a network call as
// delivered by the observation source.
type RequestObservation struct {
	ID        string
	URL       string
	Method    string
	Body      string
	TabID     int
	Timestamp time.Time
}

// ResponseObservation is the "response observed" half, correlated with its
// RequestObservation by ID.
type ResponseObservation struct {
	ID         string
	URL        string
	StatusCode int
	TabID      int
	Timestamp  time.Time
}
