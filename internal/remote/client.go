// Package remote pushes locally enriched opportunities to the production
// dataset over a bulk upsert endpoint. Delivery is idempotent-retry, not
// exactly-once: the remote keys on notice id and upserts.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/model"
)

// Record is one opportunity in the upsert payload, carrying the analysis
// summary when one exists.
type Record struct {
	NoticeID           string     `json:"notice_id"`
	Title              string     `json:"title"`
	Agency             string     `json:"agency"`
	SubAgency          string     `json:"sub_agency,omitempty"`
	Office             string     `json:"office,omitempty"`
	NAICSCode          string     `json:"naics_code,omitempty"`
	ClassificationCode string     `json:"classification_code,omitempty"`
	PostedAt           time.Time  `json:"posted_at"`
	ResponseDeadline   *time.Time `json:"response_deadline,omitempty"`
	Active             bool       `json:"active"`
	Analysis           string     `json:"analysis,omitempty"`
	AnalysisModel      string     `json:"analysis_model,omitempty"`
}

// UpsertResult is the remote's per-batch accounting.
type UpsertResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Client talks to the remote sync endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

// NewClient creates a sync client. The apiKey is sent as the shared-secret
// X-Api-Key header on every request.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     zap.L().With(zap.String("component", "remote")),
	}
}

// Upsert posts one batch of records and returns the remote's accounting.
func (c *Client) Upsert(ctx context.Context, records []Record) (*UpsertResult, error) {
	if len(records) == 0 {
		return &UpsertResult{}, nil
	}

	body, err := json.Marshal(map[string]any{"opportunities": records})
	if err != nil {
		return nil, eris.Wrap(err, "remote: marshal batch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/opportunities/bulk", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "remote: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "remote: post batch")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, eris.Errorf("remote: status %d: %s", resp.StatusCode, string(snippet))
	}

	var result UpsertResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, eris.Wrap(err, "remote: decode response")
	}
	return &result, nil
}

// FromOpportunity maps a stored opportunity and its optional analysis into
// the wire record.
func FromOpportunity(opp model.Opportunity, analysis *model.Analysis) Record {
	rec := Record{
		NoticeID:           opp.NoticeID,
		Title:              opp.Title,
		Agency:             opp.Agency,
		SubAgency:          opp.SubAgency,
		Office:             opp.Office,
		NAICSCode:          opp.NAICSCode,
		ClassificationCode: opp.ClassificationCode,
		PostedAt:           opp.PostedAt,
		ResponseDeadline:   opp.ResponseDeadline,
		Active:             opp.Active,
	}
	if analysis != nil && analysis.Status == model.ResultComplete {
		rec.Analysis = analysis.Result
		rec.AnalysisModel = analysis.Model
	}
	return rec
}
