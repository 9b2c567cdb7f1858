// Package generate orchestrates one full run: reconcile the output
// directories, partition the remaining work, supervise the renderer workers,
// aggregate their progress, and finish with the post-processing pass.
package generate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"synthgen/checkpoint"
	"synthgen/config"
	"synthgen/journal"
	"synthgen/partition"
	"synthgen/postprocess"
	"synthgen/progress"
	"synthgen/renderer"
	"synthgen/resume"
	"synthgen/status"
)

// Generator wires every component of a run around one immutable Config.
type Generator struct {
	cfg     *config.Config
	builder renderer.CommandBuilder
	markers *checkpoint.Log
	runs    journal.Repository
	cache   *status.Cache
	sinks   []progress.Sink
	runID   string
	logger  *zap.Logger
}

// New builds a generator for one run. runs and cache may be nil-backed;
// sinks receive every aggregate progress tick. An empty runID gets a fresh
// one assigned.
func New(cfg *config.Config, builder renderer.CommandBuilder, runID string, runs journal.Repository, cache *status.Cache, logger *zap.Logger, sinks ...progress.Sink) *Generator {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Generator{
		cfg:     cfg,
		builder: builder,
		markers: checkpoint.New(cfg.MarkerFile()),
		runs:    runs,
		cache:   cache,
		sinks:   sinks,
		runID:   runID,
		logger:  logger,
	}
}

// RunID identifies this run in the journal, status cache, and event stream.
func (g *Generator) RunID() string { return g.runID }

// Run executes the whole job. Cancellation terminates all worker processes
// and returns with the on-disk state consistent and resumable.
func (g *Generator) Run(ctx context.Context) error {
	if err := g.prepareDirs(); err != nil {
		return err
	}

	reconciler := resume.NewReconciler(g.cfg.ImageDir(), g.cfg.LabelDir(), g.markers, g.logger)
	result, err := reconciler.Run(g.cfg.Samples)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	g.logger.Info("Reconciliation complete",
		zap.Int("remaining", result.Remaining),
		zap.Int("start_index", result.StartIndex),
	)

	g.journal(ctx, func() error { return g.runs.StartRun(ctx, g.runID, g.cfg.Samples, result.StartIndex) })
	g.mirrorPhase(ctx, "generating")

	if result.Remaining > 0 {
		renderer.Preflight(ctx, g.cfg, g.logger)
		if err := g.supervise(ctx, result); err != nil {
			g.mirrorPhase(context.WithoutCancel(ctx), "cancelled")
			return err
		}
	}

	if g.cfg.PostProcessingEnabled() {
		g.mirrorPhase(ctx, "post-processing")
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		processor := postprocess.NewProcessor(g.cfg, g.markers, rng, g.logger)
		if err := processor.Run(ctx); err != nil {
			return fmt.Errorf("post-processing failed: %w", err)
		}
	}

	g.journal(ctx, func() error { return g.runs.CompleteRun(ctx, g.runID, g.cfg.Samples) })
	g.mirrorPhase(ctx, "completed")
	g.logger.Info("Generation run complete", zap.String("run_id", g.runID))
	return nil
}

// supervise fans the remaining work out to worker supervisors and drains
// their completion signals until every one is done.
func (g *Generator) supervise(ctx context.Context, result resume.Result) error {
	ranges := partition.Split(result.Remaining, g.cfg.Workers, result.StartIndex)
	aggregator := progress.NewAggregator(result.Remaining, g.cfg.Verbose, g.logger, g.sinks...)

	supervisors := make([]*renderer.Supervisor, 0, len(ranges))
	for i, r := range ranges {
		sup := renderer.NewSupervisor(i, r.Units(), g.builder, aggregator.Events(),
			g.cfg.HeartbeatTimeout(), g.cfg.LogDir(), g.cfg.Verbose, g.logger)
		sup.OnStateChange(g.observeWorker(ctx))
		supervisors = append(supervisors, sup)
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, sup := range supervisors {
		group.Go(func() error { return sup.Run(gctx) })
	}

	done := make(chan int, 1)
	go func() { done <- aggregator.Run(ctx) }()

	err := group.Wait()
	aggregator.Close()
	completed := <-done

	g.logger.Info("Generation phase finished",
		zap.Int("completed_units", completed),
		zap.Int("requested_units", result.Remaining),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			g.logger.Warn("Generation cancelled, output left resumable")
		}
		return err
	}
	return nil
}

// observeWorker mirrors supervisor lifecycle transitions to the status cache
// and counts restarts in the run journal.
func (g *Generator) observeWorker(ctx context.Context) func(ordinal int, state renderer.State) {
	return func(ordinal int, state renderer.State) {
		if err := g.cache.SetWorkerState(ctx, ordinal, state.String()); err != nil {
			g.logger.Warn("Failed to mirror worker state", zap.Error(err))
		}
		if state == renderer.StateRestarting {
			g.journal(ctx, func() error { return g.runs.RecordRestart(ctx, g.runID, ordinal) })
		}
	}
}

func (g *Generator) mirrorPhase(ctx context.Context, phase string) {
	if err := g.cache.SetPhase(ctx, phase); err != nil {
		g.logger.Warn("Failed to mirror run phase", zap.Error(err))
	}
	g.journal(ctx, func() error { return g.runs.UpdatePhase(ctx, g.runID, phase) })
}

// journal runs one optional journal write, downgrading failures to warnings.
func (g *Generator) journal(_ context.Context, write func() error) {
	if g.runs == nil {
		return
	}
	if err := write(); err != nil {
		g.logger.Warn("Failed to update run journal", zap.Error(err))
	}
}

// prepareDirs creates the work directories, wiping them first when the
// configuration asks for a clean slate.
func (g *Generator) prepareDirs() error {
	for _, dir := range g.cfg.WorkDirs() {
		if g.cfg.ClearOutputs {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("failed to clear %s: %w", dir, err)
			}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if g.cfg.ClearOutputs {
		if err := os.Remove(g.cfg.MarkerFile()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear checkpoint log: %w", err)
		}
	}
	return nil
}
