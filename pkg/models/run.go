package models

import "time"

// RunStatus is the lifecycle state of a report run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// Finished reports whether the run reached a terminal state.
func (s RunStatus) Finished() bool {
	return s == RunDone || s == RunFailed
}

// Run is a persisted report generation request and its outcome.
type Run struct {
	ID         string     `json:"id"`
	Symbols    []string   `json:"symbols"`
	Status     RunStatus  `json:"status"`
	Report     string     `json:"report,omitempty"`
	ChartPath  string     `json:"chart_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// HasChart reports whether the run produced a chart file.
func (r *Run) HasChart() bool {
	return r.ChartPath != ""
}
