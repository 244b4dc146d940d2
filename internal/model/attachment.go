package model

import "time"

// AccessLevel describes who may fetch an attachment from SAM.gov.
type AccessLevel string

const (
	AccessPublic     AccessLevel = "public"
	AccessRestricted AccessLevel = "restricted"
)

// DownloadStatus tracks the binary fetch outcome for an attachment.
// Success and Failed are terminal: a failed download is never reattempted
// without an explicit operator reset.
type DownloadStatus int

const (
	DownloadPending DownloadStatus = 0
	DownloadSuccess DownloadStatus = 1
	DownloadFailed  DownloadStatus = -1
)

// ExtractStatus tracks Phase 1 text extraction per attachment.
type ExtractStatus string

const (
	ExtractPending   ExtractStatus = "pending"
	ExtractExtracted ExtractStatus = "extracted"
	ExtractFailed    ExtractStatus = "failed"
	ExtractSkipped   ExtractStatus = "skipped"
)

// Attachment is one remote file belonging to an opportunity, unique per
// (notice_id, resource_id).
type Attachment struct {
	ID            int64          `json:"id"`
	NoticeID      string         `json:"notice_id"`
	ResourceID    string         `json:"resource_id"`
	Filename      string         `json:"filename"`
	MimeType      string         `json:"mime_type,omitempty"`
	SizeBytes     int64          `json:"size_bytes,omitempty"`
	Access        AccessLevel    `json:"access"`
	URL           string         `json:"url"`
	LocalPath     string         `json:"local_path,omitempty"`
	Download      DownloadStatus `json:"download_status"`
	DownloadError string         `json:"download_error,omitempty"`
	Extract       ExtractStatus  `json:"extract_status"`
	ExtractedText string         `json:"extracted_text,omitempty"`
	ExtractError  string         `json:"extract_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Terminal reports whether the attachment has reached a terminal Phase 1
// state. Analysis eligibility is "all terminal", not "all succeeded": an
// attachment that failed to download or extract no longer blocks its siblings.
func (a Attachment) Terminal() bool {
	if a.Download == DownloadFailed {
		return true
	}
	return a.Extract != ExtractPending
}
