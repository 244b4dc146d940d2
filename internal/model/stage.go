package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Stage identifies a queue-gated enrichment stage. Each stage owns exactly
// one flag on the queue entry and is the only writer of that flag.
type Stage string

const (
	StageAttachments Stage = "attachments"
	StageAnalysis    Stage = "analysis"
)

// ParseStage converts a string into a Stage.
func ParseStage(s string) (Stage, error) {
	switch s {
	case "attachments":
		return StageAttachments, nil
	case "analysis":
		return StageAnalysis, nil
	default:
		return "", eris.Errorf("unknown stage: %q (valid: attachments, analysis)", s)
	}
}

// StageRun is one ledger entry recording a stage invocation within a
// pipeline run.
type StageRun struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	Stage       string     `json:"stage"`
	Status      string     `json:"status"` // running, complete, failed
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Items       int        `json:"items"`
	Detail      string     `json:"detail,omitempty"`
	Error       string     `json:"error,omitempty"`
}
