package extract

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/store"
)

// Config holds extraction stage settings.
type Config struct {
	// Workers bounds the extraction pool. Defaults to GOMAXPROCS.
	Workers int
	// Limit caps attachments claimed per run.
	Limit int
	// PdfToTextPath overrides the pdftotext binary location.
	PdfToTextPath string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Limit <= 0 {
		c.Limit = 1000
	}
}

// Counts is the aggregate outcome of one extraction run.
type Counts struct {
	Claimed   int `json:"claimed"`
	Extracted int `json:"extracted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Runner drives Phase 1 extraction over downloaded attachments.
type Runner struct {
	store      store.Store
	cfg        Config
	log        *zap.Logger
	extractors map[Format]Extractor
}

// NewRunner creates an extraction Runner.
func NewRunner(st store.Store, cfg Config) *Runner {
	cfg.applyDefaults()
	return &Runner{
		store: st,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "extract")),
		extractors: map[Format]Extractor{
			FormatPDF:  NewPDFExtractor(cfg.PdfToTextPath),
			FormatDOCX: DOCXExtractor{},
			FormatXLSX: XLSXExtractor{},
			FormatText: TextExtractor{},
		},
	}
}

// Run extracts text from every successfully-downloaded attachment still
// pending extraction. Each attachment reaches a terminal status; extraction
// work is CPU-and-subprocess bound, so the pool is sized to cores.
func (r *Runner) Run(ctx context.Context) (*Counts, error) {
	atts, err := r.store.ListPendingExtractions(ctx, r.cfg.Limit)
	if err != nil {
		return &Counts{}, err
	}

	var extracted, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for _, att := range atts {
		g.Go(func() error {
			status, text, errMsg := r.extractOne(gctx, att)
			switch status {
			case model.ExtractExtracted:
				extracted.Add(1)
			case model.ExtractSkipped:
				skipped.Add(1)
			case model.ExtractFailed:
				failed.Add(1)
			}
			if err := r.store.SetExtractResult(gctx, att.ID, status, text, errMsg); err != nil {
				r.log.Error("failed to persist extract result",
					zap.Int64("attachment_id", att.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	counts := &Counts{
		Claimed:   len(atts),
		Extracted: int(extracted.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	r.log.Info("extraction stage complete",
		zap.Int("claimed", counts.Claimed),
		zap.Int("extracted", counts.Extracted),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed),
	)
	return counts, nil
}

func (r *Runner) extractOne(ctx context.Context, att model.Attachment) (model.ExtractStatus, string, string) {
	format, err := DetectFormat(att.LocalPath)
	if err != nil {
		return model.ExtractFailed, "", err.Error()
	}

	ext, ok := r.extractors[format]
	if !ok {
		// Images, archives, binaries: nothing to extract, not a failure.
		r.log.Debug("skipping unsupported format",
			zap.String("notice_id", att.NoticeID),
			zap.String("filename", att.Filename),
		)
		return model.ExtractSkipped, "", ""
	}

	text, err := ext.Extract(ctx, att.LocalPath)
	if err != nil {
		return model.ExtractFailed, "", err.Error()
	}
	if strings.TrimSpace(text) == "" {
		return model.ExtractFailed, "", "no text content extracted"
	}
	return model.ExtractExtracted, text, ""
}
