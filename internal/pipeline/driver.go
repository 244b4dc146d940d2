// Package pipeline orchestrates the ingestion stages in fixed order with
// per-stage wall-clock ceilings. A failed or timed-out stage is a soft
// failure: it is recorded and the driver proceeds to the next stage.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/oppsync/internal/store"
)

// Stage is one pipeline step. Run returns the number of items it processed
// plus an arbitrary detail object (usually the stage's count struct) for the
// run ledger.
type Stage struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) (items int, detail any, err error)
}

// StageOutcome is the recorded result of one stage within a run.
type StageOutcome struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"` // "complete" or "failed"
	Items    int           `json:"items"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Summary is the run-end report across all stages.
type Summary struct {
	RunID    string         `json:"run_id"`
	Outcomes []StageOutcome `json:"outcomes"`
	Failed   int            `json:"failed"`
}

// OK reports whether every stage completed.
func (s *Summary) OK() bool {
	return s.Failed == 0
}

// Driver runs stages sequentially and writes the stage_runs ledger.
type Driver struct {
	store  store.Store
	stages []Stage
	log    *zap.Logger
}

// NewDriver creates a Driver over an ordered stage list.
func NewDriver(st store.Store, stages []Stage) *Driver {
	return &Driver{
		store:  st,
		stages: stages,
		log:    zap.L().With(zap.String("component", "pipeline")),
	}
}

// Run executes every stage in order under one run id. The returned error is
// only non-nil for catastrophic conditions (context canceled, ledger
// unwritable); stage failures land in the Summary instead.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	runID := uuid.NewString()
	summary := &Summary{RunID: runID}
	d.log.Info("pipeline run starting", zap.String("run_id", runID), zap.Int("stages", len(d.stages)))

	for _, stage := range d.stages {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		outcome := d.runStage(ctx, runID, stage)
		summary.Outcomes = append(summary.Outcomes, outcome)
		if outcome.Status == "failed" {
			summary.Failed++
		}
	}

	d.log.Info("pipeline run finished",
		zap.String("run_id", runID),
		zap.Int("stages", len(summary.Outcomes)),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (d *Driver) runStage(ctx context.Context, runID string, stage Stage) StageOutcome {
	ledgerID, err := d.store.StartStageRun(ctx, runID, stage.Name)
	if err != nil {
		d.log.Warn("failed to open stage ledger entry",
			zap.String("stage", stage.Name), zap.Error(err))
	}

	sctx := ctx
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	start := time.Now()
	items, detail, err := stage.Run(sctx)
	outcome := StageOutcome{
		Name:     stage.Name,
		Items:    items,
		Duration: time.Since(start),
	}

	if err != nil {
		outcome.Status = "failed"
		outcome.Error = err.Error()
		d.log.Error("stage failed",
			zap.String("stage", stage.Name),
			zap.Duration("duration", outcome.Duration),
			zap.Error(err),
		)
		if ledgerID != 0 {
			// Ledger writes use the parent context: the stage context may
			// already be past its deadline.
			if ferr := d.store.FailStageRun(ctx, ledgerID, err.Error()); ferr != nil {
				d.log.Warn("failed to record stage failure", zap.Error(ferr))
			}
		}
		return outcome
	}

	outcome.Status = "complete"
	d.log.Info("stage complete",
		zap.String("stage", stage.Name),
		zap.Int("items", items),
		zap.Duration("duration", outcome.Duration),
	)
	if ledgerID != 0 {
		if cerr := d.store.CompleteStageRun(ctx, ledgerID, items, DetailMap(detail)); cerr != nil {
			d.log.Warn("failed to record stage completion", zap.Error(cerr))
		}
	}
	return outcome
}

// DetailMap flattens a count struct into the ledger's detail column.
func DetailMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
