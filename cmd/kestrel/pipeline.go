package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/duplicate"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/pattern"
	"github.com/opensource-finance/kestrel/internal/processor"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/validation"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// pipeline is the wired set of stores and stages shared by the commands.
type pipeline struct {
	repo   domain.Repository
	cache  domain.Cache
	bus    domain.EventBus
	engine *rules.Engine
	proc   *processor.Processor
}

// pipelineOptions adjusts wiring per command.
type pipelineOptions struct {
	// Ephemeral skips the repository; duplicates are then only detected
	// against the cache.
	Ephemeral bool

	// PersistViaBus leaves persistence to a bus worker instead of the
	// processor.
	PersistViaBus bool
}

func buildPipeline(ctx context.Context, cfg *config.Config, opts pipelineOptions) (*pipeline, error) {
	p := &pipeline{}
	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	var err error

	// Initialize Repository
	var store duplicate.Store
	if !opts.Ephemeral {
		p.repo, err = repository.New(cfg.Repository)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		store = p.repo
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	// Initialize Cache
	p.cache, err = cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	p.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	detector, err := duplicate.NewDetector(cfg.Duplicate, p.cache, store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize duplicate detector: %w", err)
	}

	p.engine, err = rules.NewDefaultEngine(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	if p.repo != nil {
		// Stored expression rules are optional; start with the builtins if
		// they cannot be read.
		if err := p.engine.Sync(ctx, p.repo); err != nil {
			slog.Warn("failed to load expression rules", "error", err)
		}
	}
	slog.Info("rule engine initialized", "rules_count", p.engine.RulesCount())

	procOpts := []processor.Option{processor.WithBus(p.bus)}
	if p.repo != nil && !opts.PersistViaBus {
		procOpts = append(procOpts, processor.WithStore(p.repo))
	}
	p.proc, err = processor.New(cfg.Processor, processor.Components{
		Validator: validation.New(cfg.Validation),
		Detector:  detector,
		Amounts:   fraud.NewValidator(cfg.Fraud, velocity.NewTracker(0)),
		Rules:     p.engine,
		Matcher:   pattern.NewMatcher(cfg.Pattern, nil),
	}, procOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize processor: %w", err)
	}
	slog.Info("processor initialized",
		"parallel", cfg.Processor.Parallel,
		"chunk_size", cfg.Processor.ChunkSize,
		"workers", cfg.Processor.Workers,
	)

	ok = true
	return p, nil
}

// Close releases the bus, cache and repository in reverse order of creation.
func (p *pipeline) Close() {
	if p.bus != nil {
		if err := p.bus.Close(); err != nil {
			slog.Error("failed to close event bus", "error", err)
		}
	}
	if p.cache != nil {
		if err := p.cache.Close(); err != nil {
			slog.Error("failed to close cache", "error", err)
		}
	}
	if p.repo != nil {
		if err := p.repo.Close(); err != nil {
			slog.Error("failed to close repository", "error", err)
		}
	}
}
