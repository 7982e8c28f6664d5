package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// BatchOptions controls one ProcessBatch call.
type BatchOptions struct {
	// Parallel processes fixed-size chunks concurrently.
	Parallel bool

	// ChunkSize overrides the configured chunk size when positive.
	ChunkSize int

	// History is activity preceding the whole batch.
	History *domain.HistoricalContext
}

// ProcessBatch processes txs, which the caller sorts by account and date.
// Each transaction sees the same-account transactions before it in the whole
// batch as history, so parallel and sequential runs produce the same scores.
// results[i] belongs to txs[i].
func (p *Processor) ProcessBatch(ctx context.Context, txs []*domain.BankTransaction, opts BatchOptions) []*domain.ProcessingResult {
	ctx, span := tracer.Start(ctx, "process_batch", trace.WithAttributes(
		attribute.Int("batch_size", len(txs)),
		attribute.Bool("parallel", opts.Parallel),
	))
	defer span.End()

	histories := batchHistories(txs, opts.History)
	runs := make([]*run, len(txs))
	for i, tx := range txs {
		runs[i] = p.newRun(tx, histories[i])
	}

	chunk := p.cfg.ChunkSize
	if opts.ChunkSize > 0 {
		chunk = opts.ChunkSize
	}
	each := pool{parallel: opts.Parallel, chunk: chunk, workers: p.cfg.Workers}.each

	each(len(runs), func(i int) {
		r := runs[i]
		r.guard(func() { p.validate(ctx, r) })
	})

	if p.cfg.Stages.Duplicates {
		p.checkBatchDuplicates(ctx, runs)
	}

	each(len(runs), func(i int) {
		r := runs[i]
		r.guard(func() {
			if p.gateDuplicate(r) {
				p.assessAmount(ctx, r)
			}
		})
	})

	if p.cfg.Stages.Amount {
		p.escalateAmounts(runs)
	}

	each(len(runs), func(i int) {
		r := runs[i]
		r.guard(func() {
			if p.gateAmount(r) && p.evaluateRules(ctx, r) {
				p.matchPattern(ctx, r)
			}
		})
	})

	if p.cfg.Stages.Pattern {
		p.flagRepetitive(runs)
	}

	results := make([]*domain.ProcessingResult, len(runs))
	each(len(runs), func(i int) {
		r := runs[i]
		r.guard(func() { p.finalize(ctx, r) })
		p.complete(ctx, r)
		results[i] = r.result
	})
	return results
}

// batchHistories returns, for every position, the prior history plus the
// earlier batch members on the same account.
func batchHistories(txs []*domain.BankTransaction, prior *domain.HistoricalContext) []*domain.HistoricalContext {
	out := make([]*domain.HistoricalContext, len(txs))
	seen := make(map[string][]*domain.BankTransaction)
	for i, tx := range txs {
		if tx == nil {
			continue
		}
		prefix, ok := seen[tx.AccountNumber]
		if !ok {
			prefix = prior.ForAccount(tx.AccountNumber)
		}
		out[i] = domain.NewHistoricalContext(append([]*domain.BankTransaction(nil), prefix...))
		seen[tx.AccountNumber] = append(prefix, tx)
	}
	return out
}

// checkBatchDuplicates runs the detector once over every surviving run in
// input order. A detector error fails all of them.
func (p *Processor) checkBatchDuplicates(ctx context.Context, runs []*run) {
	var pending []*run
	var txs []*domain.BankTransaction
	for _, r := range runs {
		if r.stopped {
			continue
		}
		r.result.ProcessingStage = domain.StageDuplicateDetection
		pending = append(pending, r)
		txs = append(txs, r.tx)
	}
	if len(pending) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, string(domain.StageDuplicateDetection), trace.WithAttributes(attribute.Int("batch_size", len(txs))))
	defer span.End()

	start := time.Now()
	results, err := p.detectBatch(ctx, txs)
	elapsed := time.Since(start).Milliseconds()

	for i, r := range pending {
		r.stageMs[domain.StageDuplicateDetection] = elapsed
		if err != nil {
			r.fail(domain.StageDuplicateDetection, err)
			continue
		}
		r.result.Duplicate = results[i]
	}
}

func (p *Processor) detectBatch(ctx context.Context, txs []*domain.BankTransaction) (results []*domain.DuplicateResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", domain.StageDuplicateDetection, rec)
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.c.Detector.CheckBatch(ctx, txs)
}

// escalateAmounts applies cross-batch amount escalation to the runs that
// reached the amount stage.
func (p *Processor) escalateAmounts(runs []*run) {
	var idx []int
	var txs []*domain.BankTransaction
	var results []*domain.AmountValidationResult
	for i, r := range runs {
		if r.stopped || r.result.AmountValidation == nil {
			continue
		}
		idx = append(idx, i)
		txs = append(txs, r.tx)
		results = append(results, r.result.AmountValidation)
	}
	if len(idx) == 0 {
		return
	}
	for j, escalated := range p.c.Amounts.EscalateBatch(txs, results) {
		runs[idx[j]].result.AmountValidation = escalated
	}
}

// flagRepetitive applies the repetition pass to the runs that were categorised.
func (p *Processor) flagRepetitive(runs []*run) {
	var idx []int
	var txs []*domain.BankTransaction
	var results []*domain.PatternResult
	for i, r := range runs {
		if r.stopped || r.result.Pattern == nil {
			continue
		}
		idx = append(idx, i)
		txs = append(txs, r.tx)
		results = append(results, r.result.Pattern)
	}
	if len(idx) == 0 {
		return
	}
	for j, flagged := range p.c.Matcher.FlagRepetitive(txs, results) {
		runs[idx[j]].result.Pattern = flagged
	}
}

// pool runs fixed-size chunks of work, at most workers chunks at a time.
type pool struct {
	parallel bool
	chunk    int
	workers  int
}

func (pl pool) each(n int, fn func(i int)) {
	if !pl.parallel || pl.chunk <= 0 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, max(pl.workers, 1))
	for start := 0; start < n; start += pl.chunk {
		end := min(start+pl.chunk, n)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}
