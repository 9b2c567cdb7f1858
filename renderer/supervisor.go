// Package renderer supervises external renderer worker processes: launching
// them with a work manifest, interpreting their line protocol, detecting
// hangs, and restarting them until every assigned unit is acknowledged.
package renderer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"synthgen/progress"
)

// State is the lifecycle phase of a supervised worker.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateCompleting
	StateFailing
	StateRestarting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompleting:
		return "completing"
	case StateFailing:
		return "failing"
	case StateRestarting:
		return "restarting"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeFatal
)

// outcome is the explicit result of one worker run attempt, matched by the
// restart loop instead of a catch-all recovery path.
type outcome struct {
	kind   outcomeKind
	reason error
}

func success() outcome               { return outcome{kind: outcomeSuccess} }
func retryable(reason error) outcome { return outcome{kind: outcomeRetryable, reason: reason} }
func fatal(reason error) outcome     { return outcome{kind: outcomeFatal, reason: reason} }

func retryablef(format string, args ...any) outcome {
	return retryable(fmt.Errorf(format, args...))
}

// Supervisor owns one worker process's full lifecycle. It is not safe for
// concurrent use; each supervisor runs on its own goroutine.
type Supervisor struct {
	ordinal   int
	remaining []int
	builder   CommandBuilder
	events    chan<- progress.Event
	timeout   time.Duration
	logDir    string
	verbose   bool
	logger    *zap.Logger

	state    atomic.Int32
	restarts atomic.Int64

	// onState, when set, observes every lifecycle transition.
	onState func(ordinal int, state State)
}

// NewSupervisor builds a supervisor for one worker ordinal owning the given
// unit ids. The events channel receives one ProgressEvent per completed unit.
func NewSupervisor(ordinal int, units []int, builder CommandBuilder, events chan<- progress.Event, timeout time.Duration, logDir string, verbose bool, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		ordinal:   ordinal,
		remaining: append([]int(nil), units...),
		builder:   builder,
		events:    events,
		timeout:   timeout,
		logDir:    logDir,
		verbose:   verbose,
		logger:    logger.With(zap.Int("worker", ordinal)),
	}
}

// OnStateChange registers an observer for lifecycle transitions. Must be
// called before Run.
func (s *Supervisor) OnStateChange(fn func(ordinal int, state State)) {
	s.onState = fn
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Restarts returns how many times the worker was relaunched after a failure.
func (s *Supervisor) Restarts() int64 { return s.restarts.Load() }

// Remaining returns a copy of the unit ids not yet acknowledged.
func (s *Supervisor) Remaining() []int { return append([]int(nil), s.remaining...) }

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
	if s.onState != nil {
		s.onState(s.ordinal, state)
	}
}

// Run launches the worker and keeps it alive until every assigned unit is
// acknowledged and the success sentinel was observed, restarting it on any
// retryable failure. It returns early only on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.remaining) == 0 {
		s.logger.Debug("Worker has no assigned units")
		s.setState(StateDone)
		return nil
	}

	for {
		out := s.runAttempt(ctx)
		switch out.kind {
		case outcomeSuccess:
			if len(s.remaining) > 0 {
				// The sentinel is only authoritative together with an
				// empty remaining list.
				s.setState(StateFailing)
				s.restart(fmt.Errorf("success sentinel with %d unacknowledged units", len(s.remaining)))
				continue
			}
			s.setState(StateDone)
			s.logger.Info("Worker completed all assigned units",
				zap.Int64("restarts", s.restarts.Load()),
			)
			return nil
		case outcomeRetryable:
			s.setState(StateFailing)
			s.restart(out.reason)
		case outcomeFatal:
			return out.reason
		}
	}
}

func (s *Supervisor) restart(reason error) {
	s.restarts.Add(1)
	s.logger.Warn("Restarting worker",
		zap.Error(reason),
		zap.Int("remaining_units", len(s.remaining)),
	)
	s.setState(StateRestarting)
}

// runAttempt performs one full launch-read-wait cycle and classifies its
// result. The remaining-work list is mutated as acknowledgments arrive, so a
// later attempt never resends an acknowledged id.
func (s *Supervisor) runAttempt(ctx context.Context) outcome {
	s.setState(StateStarting)

	cmd, err := s.builder.Build(ctx, s.ordinal, s.remaining)
	if err != nil {
		return fatal(fmt.Errorf("failed to build worker command: %w", err))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fatal(fmt.Errorf("failed to open worker stdout: %w", err))
	}
	stderrLog := s.openWorkerLog()
	if stderrLog != nil {
		cmd.Stderr = stderrLog
		defer stderrLog.Close()
	}

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return fatal(ctx.Err())
		}
		return retryablef("failed to start worker process: %w", err)
	}
	s.setState(StateRunning)
	s.logger.Info("Worker process started",
		zap.String("command", s.builder.Name()),
		zap.Int("assigned_units", len(s.remaining)),
	)

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	var timedOut atomic.Bool

	watcherStop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watcherStop:
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle > s.timeout {
					timedOut.Store(true)
					s.logger.Warn("Worker inactive past heartbeat timeout, killing process",
						zap.Duration("idle", idle),
					)
					_ = cmd.Process.Kill()
					return
				}
			}
		}
	}()

	sawSentinel := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		lastActivity.Store(time.Now().UnixNano())
		line := ParseLine(scanner.Text())

		switch line.Kind {
		case LineFilename:
			if s.ack(line.ID) {
				s.logger.Debug("Unit acknowledged", zap.Int("unit", line.ID))
			}
		case LineProgress:
			select {
			case s.events <- progress.Event{}:
			case <-ctx.Done():
			}
		case LineSuccess:
			sawSentinel = true
		case LineError:
			s.logger.Error("Worker reported error", zap.String("message", line.Text))
		case LineText:
			if s.verbose {
				s.logger.Debug("Worker output", zap.String("line", line.Text))
			}
		}
		if sawSentinel {
			s.setState(StateCompleting)
			break
		}
	}
	scanErr := scanner.Err()

	// Stop the watcher before waiting so it can never kill a process we
	// have already reaped.
	close(watcherStop)
	<-watcherDone
	// Drain whatever the worker still writes after the sentinel so Wait
	// does not block on the pipe.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return fatal(ctx.Err())
	case sawSentinel:
		return success()
	case timedOut.Load():
		return retryablef("worker killed after %s of inactivity", s.timeout)
	case scanErr != nil:
		return retryablef("failed reading worker output: %w", scanErr)
	case waitErr != nil:
		return retryablef("worker exited without success sentinel: %w", waitErr)
	default:
		// A clean exit code alone is never trusted.
		return retryablef("worker exited without success sentinel")
	}
}

// ack removes one unit id from the remaining list. Repeated acknowledgments
// of the same id are ignored.
func (s *Supervisor) ack(id int) bool {
	for i, unit := range s.remaining {
		if unit == id {
			s.remaining = append(s.remaining[:i], s.remaining[i+1:]...)
			return true
		}
	}
	return false
}

// openWorkerLog returns a per-worker stderr sink in the log directory, or
// nil (discard) when the directory is unavailable.
func (s *Supervisor) openWorkerLog() *os.File {
	if s.logDir == "" {
		return nil
	}
	path := filepath.Join(s.logDir, fmt.Sprintf("worker-%d.log", s.ordinal))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn("Failed to open worker log file", zap.String("path", path), zap.Error(err))
		return nil
	}
	return f
}
