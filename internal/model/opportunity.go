// Package model defines the persisted entities of the ingestion pipeline and
// the legal status transitions between their lifecycle states.
package model

import "time"

// Opportunity is a single externally published contract notice, keyed by the
// SAM.gov notice ID. The stored PostedAt is monotonically non-decreasing: an
// incoming record with an equal-or-older posted timestamp is a duplicate.
type Opportunity struct {
	NoticeID           string            `json:"notice_id"`
	Title              string            `json:"title"`
	Agency             string            `json:"agency"`
	SubAgency          string            `json:"sub_agency,omitempty"`
	Office             string            `json:"office,omitempty"`
	NAICSCode          string            `json:"naics_code,omitempty"`
	ClassificationCode string            `json:"classification_code,omitempty"`
	PostedAt           time.Time         `json:"posted_at"`
	ResponseDeadline   *time.Time        `json:"response_deadline,omitempty"`
	Active             bool              `json:"active"`
	Raw                map[string]string `json:"raw,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	SyncedAt           *time.Time        `json:"synced_at,omitempty"`
}

// QueueEntry records which enrichment stages remain pending for one
// opportunity. Flags only ever transition pending→done; a done flag is never
// reset except by an explicit requeue.
type QueueEntry struct {
	NoticeID               string     `json:"notice_id"`
	NeedsAttachments       bool       `json:"needs_attachments"`
	NeedsAnalysis          bool       `json:"needs_analysis"`
	EnqueuedAt             time.Time  `json:"enqueued_at"`
	AttachmentsCompletedAt *time.Time `json:"attachments_completed_at,omitempty"`
	AnalysisCompletedAt    *time.Time `json:"analysis_completed_at,omitempty"`
}

// QueueStats summarizes pending work across the queue.
type QueueStats struct {
	Total              int `json:"total"`
	PendingAttachments int `json:"pending_attachments"`
	PendingAnalysis    int `json:"pending_analysis"`
}

// Analysis is the single enrichment result for one opportunity, produced
// after all of its attachments reached a terminal extraction state.
type Analysis struct {
	NoticeID         string       `json:"notice_id"`
	Status           ResultStatus `json:"status"`
	Result           string       `json:"result,omitempty"`
	Model            string       `json:"model,omitempty"`
	Error            string       `json:"error,omitempty"`
	InputAttachments int          `json:"input_attachments"`
	CreatedAt        time.Time    `json:"created_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// ResultStatus is the lifecycle status of an analysis record.
type ResultStatus string

const (
	ResultPending  ResultStatus = "pending"
	ResultComplete ResultStatus = "complete"
	ResultFailed   ResultStatus = "failed"
)
