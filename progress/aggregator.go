// Package progress aggregates per-unit completion signals from all worker
// supervisors into one monotonic counter.
package progress

import (
	"context"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Event is one opaque completion signal for one finished unit of work.
type Event struct{}

// Sink mirrors aggregate counter updates to an external surface. Sink
// failures are reported but never interrupt the run.
type Sink interface {
	Publish(ctx context.Context, completed, total int) error
}

// Aggregator is the single consumer of the shared completion channel. Events
// are produced by many supervisors; the channel is buffered for the whole
// run so producers never block.
type Aggregator struct {
	events    chan Event
	total     int
	completed int
	bar       *progressbar.ProgressBar
	sinks     []Sink
	logger    *zap.Logger
}

// NewAggregator creates an aggregator expecting total completion events. The
// progress bar is suppressed in verbose mode, where raw worker output is
// streamed instead.
func NewAggregator(total int, verbose bool, logger *zap.Logger, sinks ...Sink) *Aggregator {
	a := &Aggregator{
		events: make(chan Event, total),
		total:  total,
		sinks:  sinks,
		logger: logger,
	}
	if !verbose && total > 0 {
		a.bar = progressbar.Default(int64(total), "Generating images")
	}
	return a
}

// Events is the channel supervisors post completion signals to.
func (a *Aggregator) Events() chan<- Event { return a.events }

// Close signals that every producer is done; Run returns once the channel
// drains.
func (a *Aggregator) Close() { close(a.events) }

// Run consumes completion events until Close is called and the channel is
// drained, or the context is cancelled. It returns the final counter value.
func (a *Aggregator) Run(ctx context.Context) int {
	for {
		select {
		case _, ok := <-a.events:
			if !ok {
				if a.bar != nil {
					_ = a.bar.Finish()
				}
				return a.completed
			}
			a.completed++
			if a.bar != nil {
				_ = a.bar.Add(1)
			}
			a.publish(ctx)
		case <-ctx.Done():
			return a.completed
		}
	}
}

// Completed returns the counter as of the last consumed event. Only valid
// after Run returns.
func (a *Aggregator) Completed() int { return a.completed }

func (a *Aggregator) publish(ctx context.Context) {
	for _, sink := range a.sinks {
		if err := sink.Publish(ctx, a.completed, a.total); err != nil {
			a.logger.Warn("Failed to publish progress update", zap.Error(err))
		}
	}
}
