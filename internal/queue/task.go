// Package queue provides the at-least-once work queue that carries task
// messages between the scheduler, the monitor and the worker pool.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task names, used as routing keys
const (
	TaskCheckForSync              = "check_for_sync"
	TaskCheckForConnectorDeletion = "check_for_connector_deletion"
	TaskMonitorSync               = "monitor_sync"
	TaskSyncDocumentMetadata      = "sync_document_metadata"
	TaskCleanupDocumentByCCPair   = "cleanup_document_by_cc_pair"
)

// Queue names
const (
	QueuePeriodic          = "periodic"
	QueueMetadataSync      = "metadata_sync"
	QueueConnectorDeletion = "connector_deletion"
)

// Task is a task message
type Task struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Queue string          `json:"queue"`
	Args  json.RawMessage `json:"args,omitempty"`

	// Retries counts the previous failed attempts of this task
	Retries int `json:"retries"`

	// Taskset names the set this task must be removed from on completion
	Taskset string `json:"taskset,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// ExpiresAt, when set, is the time after which the task is discarded unexecuted
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewTask builds a task with JSON encoded arguments
func NewTask(name, queue string, args any) (Task, error) {
	t := Task{Name: name, Queue: queue}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Task{}, fmt.Errorf("failed to encode arguments of %s: %w", name, err)
		}
		t.Args = raw
	}
	return t, nil
}

// Expired reports whether the task should be discarded at now
func (t Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// DecodeArgs decodes the task arguments into v
func (t Task) DecodeArgs(v any) error {
	if len(t.Args) == 0 {
		return fmt.Errorf("task %s has no arguments", t.ID)
	}
	if err := json.Unmarshal(t.Args, v); err != nil {
		return fmt.Errorf("failed to decode arguments of %s: %w", t.ID, err)
	}
	return nil
}

// SyncDocumentArgs are the arguments of TaskSyncDocumentMetadata
type SyncDocumentArgs struct {
	DocumentID string `json:"document_id"`
}

// CleanupDocumentArgs are the arguments of TaskCleanupDocumentByCCPair
type CleanupDocumentArgs struct {
	DocumentID   string `json:"document_id"`
	ConnectorID  int64  `json:"connector_id"`
	CredentialID int64  `json:"credential_id"`
}
