package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// run is the mutable state of one transaction moving through the pipeline.
type run struct {
	tx      *domain.BankTransaction
	history *domain.HistoricalContext
	result  *domain.ProcessingResult
	started time.Time
	stageMs map[domain.ProcessingStage]int64
	notes   []string
	stopped bool
}

func (p *Processor) newRun(tx *domain.BankTransaction, history *domain.HistoricalContext) *run {
	started := p.now()
	r := &run{
		tx:      tx,
		history: history,
		started: started,
		stageMs: make(map[domain.ProcessingStage]int64),
		result: &domain.ProcessingResult{
			ID:              newResultID(),
			ProcessingStage: domain.StageValidation,
			Status:          domain.StatusFailed,
			StartedAt:       started,
		},
	}
	if tx != nil {
		r.result.TransactionID = tx.ID
	}
	return r
}

func (r *run) txID() string {
	if r.tx == nil {
		return ""
	}
	return r.tx.ID
}

func (r *run) note(format string, args ...any) {
	r.notes = append(r.notes, fmt.Sprintf(format, args...))
}

func (r *run) warn(format string, args ...any) {
	r.result.Warnings = append(r.result.Warnings, fmt.Sprintf(format, args...))
}

// fail stops the run at stage.
func (r *run) fail(stage domain.ProcessingStage, err error) {
	r.stopped = true
	r.result.Success = false
	r.result.ProcessingStage = stage
	r.result.Status = domain.StatusFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		r.result.TimedOut = true
		r.result.Errors = append(r.result.Errors, fmt.Sprintf("timeout: %s: %v", stage, err))
		return
	}
	r.result.Errors = append(r.result.Errors, err.Error())
}

// guard runs fn and converts a panic into a failure at the current stage.
func (r *run) guard(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline stage panicked",
				"tx_id", r.txID(),
				"stage", r.result.ProcessingStage,
				"panic", rec,
			)
			r.fail(r.result.ProcessingStage, fmt.Errorf("panic in %s: %v", r.result.ProcessingStage, rec))
		}
	}()
	if r.stopped {
		return
	}
	fn()
}

// stage runs fn as the named pipeline stage inside its own span. It returns
// false when the run is stopped.
func (r *run) stage(ctx context.Context, stage domain.ProcessingStage, fn func(ctx context.Context) error) bool {
	if r.stopped {
		return false
	}
	r.result.ProcessingStage = stage
	if err := ctx.Err(); err != nil {
		r.fail(stage, err)
		return false
	}

	ctx, span := tracer.Start(ctx, string(stage), trace.WithAttributes(attribute.String("tx_id", r.txID())))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	r.stageMs[stage] += time.Since(start).Milliseconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(stage, err)
		return false
	}
	return !r.stopped
}

func jsonMarshal(res *domain.ProcessingResult) ([]byte, error) {
	return json.Marshal(res)
}
