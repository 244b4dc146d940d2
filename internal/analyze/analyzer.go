// Package analyze implements Phase 2 of the analysis engine: one enrichment
// call per opportunity over the concatenated extracted texts of its
// attachments.
package analyze

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/model"
	"github.com/sells-group/oppsync/internal/queue"
	"github.com/sells-group/oppsync/internal/store"
	"github.com/sells-group/oppsync/pkg/anthropic"
)

const systemPrompt = `You are a government contracting analyst. Given the full document set of a contract opportunity, produce a concise assessment covering: scope of work, key dates, evaluation criteria, required certifications or set-asides, and fit risks. Answer in plain prose.`

// Config holds analysis stage settings.
type Config struct {
	// Model is the Anthropic model id.
	Model string
	// MaxTokens caps the response length.
	MaxTokens int64
	// Limit caps opportunities analyzed per run.
	Limit int
	// MaxInputChars truncates the concatenated document text.
	MaxInputChars int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "claude-sonnet-4-5-20250929"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.Limit <= 0 {
		c.Limit = 50
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = 400_000
	}
}

// Counts is the aggregate outcome of one analysis run.
type Counts struct {
	Eligible int `json:"eligible"`
	Analyzed int `json:"analyzed"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Analyzer runs the analysis stage.
type Analyzer struct {
	store  store.Store
	queue  *queue.Manager
	client anthropic.Client
	cfg    Config
	log    *zap.Logger
}

// New creates an Analyzer.
func New(st store.Store, qm *queue.Manager, client anthropic.Client, cfg Config) *Analyzer {
	cfg.applyDefaults()
	return &Analyzer{
		store:  st,
		queue:  qm,
		client: client,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "analyze")),
	}
}

// Run analyzes every eligible opportunity. Eligibility is "all attachments
// terminal", not "all succeeded": an opportunity with failed downloads or
// extractions still gets analyzed on whatever text survived. Failures leave
// the queue flag pending so the next run retries.
func (a *Analyzer) Run(ctx context.Context) (*Counts, error) {
	counts := &Counts{}
	ids, err := a.store.ListAnalysisReady(ctx, a.cfg.Limit)
	if err != nil {
		return counts, err
	}
	counts.Eligible = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		switch err := a.analyzeOne(ctx, id); {
		case err == nil:
			counts.Analyzed++
		case eris.Is(err, errNothingToAnalyze):
			counts.Skipped++
		default:
			counts.Failed++
			a.log.Warn("analysis failed", zap.String("notice_id", id), zap.Error(err))
		}
	}

	a.log.Info("analysis stage complete",
		zap.Int("eligible", counts.Eligible),
		zap.Int("analyzed", counts.Analyzed),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed),
	)
	return counts, nil
}

var errNothingToAnalyze = eris.New("analyze: no extracted text")

func (a *Analyzer) analyzeOne(ctx context.Context, noticeID string) error {
	opp, err := a.store.GetOpportunity(ctx, noticeID)
	if err != nil {
		return err
	}
	if opp == nil {
		return eris.Errorf("analyze: opportunity %s not found", noticeID)
	}

	texts, err := a.store.ExtractedTexts(ctx, noticeID)
	if err != nil {
		return err
	}

	prompt := buildPrompt(*opp, texts, a.cfg.MaxInputChars)
	if prompt == "" {
		// Nothing extractable. Record the skip and complete the flag so the
		// opportunity stops being reselected.
		now := time.Now().UTC()
		if err := a.store.SaveAnalysis(ctx, model.Analysis{
			NoticeID:    noticeID,
			Status:      model.ResultComplete,
			Result:      "",
			CompletedAt: &now,
		}); err != nil {
			return err
		}
		if err := a.queue.Complete(ctx, model.StageAnalysis, noticeID); err != nil {
			return err
		}
		return errNothingToAnalyze
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		// Record the failure but leave the queue flag pending for retry.
		saveErr := a.store.SaveAnalysis(ctx, model.Analysis{
			NoticeID:         noticeID,
			Status:           model.ResultFailed,
			Model:            a.cfg.Model,
			Error:            err.Error(),
			InputAttachments: len(texts),
		})
		if saveErr != nil {
			a.log.Error("failed to record analysis failure",
				zap.String("notice_id", noticeID), zap.Error(saveErr))
		}
		return eris.Wrapf(err, "analyze: enrichment call for %s", noticeID)
	}
	resp.Usage.LogCost(a.cfg.Model, "analysis")

	now := time.Now().UTC()
	if err := a.store.SaveAnalysis(ctx, model.Analysis{
		NoticeID:         noticeID,
		Status:           model.ResultComplete,
		Result:           resp.Text(),
		Model:            resp.Model,
		InputAttachments: len(texts),
		CompletedAt:      &now,
	}); err != nil {
		return err
	}
	return a.queue.Complete(ctx, model.StageAnalysis, noticeID)
}

// buildPrompt concatenates extracted texts attachment-id ascending, headed
// by the opportunity metadata. Returns "" when no attachment produced text.
func buildPrompt(opp model.Opportunity, atts []model.Attachment, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Opportunity %s: %s\nAgency: %s", opp.NoticeID, opp.Title, opp.Agency)
	if opp.NAICSCode != "" {
		fmt.Fprintf(&b, "\nNAICS: %s", opp.NAICSCode)
	}
	if opp.ResponseDeadline != nil {
		fmt.Fprintf(&b, "\nResponse deadline: %s", opp.ResponseDeadline.Format(time.RFC3339))
	}
	b.WriteString("\n")

	any := false
	for _, att := range atts {
		if att.Extract != model.ExtractExtracted || strings.TrimSpace(att.ExtractedText) == "" {
			continue
		}
		any = true
		fmt.Fprintf(&b, "\n--- Document: %s ---\n", att.Filename)
		b.WriteString(att.ExtractedText)
		b.WriteString("\n")
	}
	if !any {
		return ""
	}

	out := b.String()
	if len(out) > maxChars {
		// Back up to a rune boundary so the prompt stays valid UTF-8.
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}
