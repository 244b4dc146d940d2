// Package feed parses the SAM.gov bulk opportunity feed (CSV) into candidate
// records for the import stage. Every source column is captured verbatim in
// Raw for forward compatibility; only the columns the pipeline consumes are
// promoted to typed fields.
package feed

import (
	"context"
	"encoding/csv"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Record is one candidate opportunity row from the bulk feed.
type Record struct {
	NoticeID           string
	Title              string
	Agency             string
	SubAgency          string
	Office             string
	NAICSCode          string
	ClassificationCode string
	PostedAt           time.Time
	ResponseDeadline   *time.Time
	Active             bool
	Raw                map[string]string
}

// Stats counts rows dropped during parsing. Malformed rows are a validation
// concern, never fatal to the batch.
type Stats struct {
	Rows      int
	Malformed int
}

// Column headers as published in the SAM.gov ContractOpportunitiesFullCSV
// export. Lookup is case-insensitive.
const (
	colNoticeID       = "noticeid"
	colTitle          = "title"
	colAgency         = "department/ind.agency"
	colSubTier        = "sub-tier"
	colOffice         = "office"
	colPosted         = "posteddate"
	colDeadline       = "responsedeadline"
	colNAICS          = "naicscode"
	colClassification = "classificationcode"
	colActive         = "active"
)

// timeLayouts lists the timestamp formats observed in the bulk feed.
var timeLayouts = []string{
	"2006-01-02 15:04:05-07",
	"2006-01-02T15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse reads the full CSV feed. Rows without a notice id, or whose posted
// timestamp cannot be parsed (dedup is impossible without it), are counted
// malformed and dropped.
func Parse(ctx context.Context, r io.Reader) ([]Record, Stats, error) {
	log := zap.L().With(zap.String("component", "feed"))

	// The export ships with a UTF-8 BOM; strip it (or decode UTF-16) before
	// the header is mapped.
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	reader := csv.NewReader(transform.NewReader(r, dec))
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, Stats{}, eris.New("feed: empty feed")
	}
	if err != nil {
		return nil, Stats{}, eris.Wrap(err, "feed: read header")
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := idx[colNoticeID]; !ok {
		return nil, Stats{}, eris.New("feed: header missing NoticeId column")
	}

	var (
		records []Record
		stats   Stats
	)
	for {
		if ctx.Err() != nil {
			return nil, stats, eris.Wrap(ctx.Err(), "feed: cancelled")
		}

		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, eris.Wrap(err, "feed: read row")
		}
		stats.Rows++

		field := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		noticeID := field(colNoticeID)
		if noticeID == "" {
			stats.Malformed++
			continue
		}

		posted, err := parseTime(field(colPosted))
		if err != nil {
			log.Debug("feed: unparseable posted date",
				zap.String("notice_id", noticeID),
				zap.String("value", field(colPosted)),
			)
			stats.Malformed++
			continue
		}

		rec := Record{
			NoticeID:           noticeID,
			Title:              field(colTitle),
			Agency:             field(colAgency),
			SubAgency:          field(colSubTier),
			Office:             field(colOffice),
			NAICSCode:          field(colNAICS),
			ClassificationCode: field(colClassification),
			PostedAt:           posted,
			Active:             parseActive(field(colActive)),
			Raw:                make(map[string]string, len(header)),
		}

		if deadline, err := parseTime(field(colDeadline)); err == nil {
			rec.ResponseDeadline = &deadline
		}

		for i, h := range header {
			if i < len(row) && row[i] != "" {
				rec.Raw[h] = row[i]
			}
		}

		records = append(records, rec)
	}

	return records, stats, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, eris.New("feed: empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("feed: unparseable timestamp %q", s)
}

func parseActive(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "true", "1", "y":
		return true
	default:
		return false
	}
}
