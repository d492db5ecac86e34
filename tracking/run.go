// Package tracking records training runs. The pipeline side uses Client to
// create a run and post per-epoch metrics; Server stores runs in SQLite and
// pushes logged metrics to subscribed dashboard clients over socket.io.
package tracking

import "time"

// Terminal and in-flight run states as stored and reported by the server.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// RunRecord is a tracked training run as stored by the server.
type RunRecord struct {
	ID          string                 `json:"id"`
	Project     string                 `json:"project"`
	Name        string                 `json:"name"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Environment *Environment           `json:"environment,omitempty"`
	Status      string                 `json:"status"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// LogEntry is one logged epoch of metrics for a run. Entries are append-only.
type LogEntry struct {
	Epoch    int                `json:"epoch"`
	Metrics  map[string]float64 `json:"metrics"`
	LoggedAt time.Time          `json:"logged_at"`
}

// CreateRunRequest is the body of POST /api/runs.
type CreateRunRequest struct {
	Project     string                 `json:"project"`
	Name        string                 `json:"name,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Environment *Environment           `json:"environment,omitempty"`
}

// FinishRunRequest is the body of POST /api/runs/{run_id}/finish.
type FinishRunRequest struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
