// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// ProcessPendingTask asks a consumer to drain claimable files.
// TriggeredBy is "ingest", "tick" or "api"; FolderID is informational.
type ProcessPendingTask struct {
	TaskID      string    `json:"task_id"`
	FolderID    string    `json:"folder_id,omitempty"`
	Limit       int       `json:"limit"`
	TriggeredBy string    `json:"triggered_by"`
	CreatedAt   time.Time `json:"created_at"`
}
