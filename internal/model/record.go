package model

import "time"

// Classification is the derived trust verdict for a terminal verification.
type Classification string

const (
	ClassUntrusted  Classification = "untrusted"
	ClassSuspicious Classification = "suspicious"
	ClassTrusted    Classification = "trusted"
)

// RecordRef points at a related record produced or matched by a stage,
// e.g. an offending packet or an imported reference cell.
type RecordRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// StageLog captures one stage attempt for a verification record.
type StageLog struct {
	StageID    int         `json:"stage_id"`
	Awarded    int         `json:"awarded"`
	Possible   int         `json:"possible"`
	StartedAt  time.Time   `json:"started_at"`
	DurationMS int64       `json:"duration_ms"`
	Related    []RecordRef `json:"related,omitempty"`
}

// VerificationRecord is the persisted progress of one (pipeline, connection)
// pair. It is created at stage 0 / score 0 when a connection first enters a
// pipeline and mutated only by that pipeline's runner.
type VerificationRecord struct {
	ConnectionID string     `json:"connection_id"`
	PipelineID   int        `json:"pipeline_id"`
	Stage        int        `json:"stage"`
	Score        int        `json:"score"`
	Terminal     bool       `json:"terminal"`
	NotBefore    *time.Time `json:"not_before,omitempty"`
	Logs         []StageLog `json:"logs,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at,omitempty"`
}

// VerificationTask is one unit of work handed to a pipeline runner: the
// connection snapshot plus the record state to resume from.
type VerificationTask struct {
	Cell  QueryCell
	Stage int
	Score int
}
