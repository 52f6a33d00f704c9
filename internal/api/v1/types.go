package v1

import "github.com/stacklok/docsync/internal/fence"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status string            `json:"status" example:"ready"`
	Checks map[string]string `json:"checks,omitempty"`
}

// FencesResponse lists the fences currently present
type FencesResponse struct {
	Fences []fence.Status `json:"fences"`
}

// DeletionStatus is the state of a deletion attempt of a connector credential pair
type DeletionStatus string

const (
	// DeletionNotStarted means the pair is not marked for deletion
	DeletionNotStarted DeletionStatus = "NOT_STARTED"
	// DeletionPending means the pair is marked but no cleanup tasks were generated yet
	DeletionPending DeletionStatus = "PENDING"
	// DeletionStarted means cleanup tasks are in flight
	DeletionStarted DeletionStatus = "STARTED"
)

// DeletionStatusResponse is a snapshot of a deletion attempt
type DeletionStatusResponse struct {
	CCPairID       int64          `json:"cc_pair_id"`
	PairStatus     string         `json:"pair_status"`
	Status         DeletionStatus `json:"status"`
	TotalTasks     *int64         `json:"total_tasks,omitempty"`
	RemainingTasks *int64         `json:"remaining_tasks,omitempty"`
	FailureMessage *string        `json:"failure_message,omitempty"`
}
