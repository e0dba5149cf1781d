package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/scrollspy/domspy/change"
)

// Router delivers every change to each of its sinks in order. One sink
// failing does not stop delivery to the next.
type Router struct {
	sinks  []Sink
	logger *slog.Logger

	mu       sync.Mutex
	failures []uint64
}

// NewRouter creates a Router over sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger, failures: make([]uint64, len(sinks))}
}

// Len returns the number of sinks.
func (r *Router) Len() int { return len(r.sinks) }

// Failures returns, per sink, how many changes it failed to take.
func (r *Router) Failures() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.failures...)
}

// Send returns the error of the first sink that failed.
func (r *Router) Send(ctx context.Context, ev change.Event) error {
	var first error
	for i, s := range r.sinks {
		err := s.Send(ctx, ev)
		if err == nil {
			continue
		}
		r.mu.Lock()
		r.failures[i]++
		n := r.failures[i]
		r.mu.Unlock()
		r.logger.Warn("sink: change not delivered",
			"sink", fmt.Sprintf("%T", s), "page_id", ev.PageID, "seq", ev.Seq, "failures", n, "error", err)
		if first == nil {
			first = err
		}
	}
	return first
}

// Close closes every sink and joins their errors.
func (r *Router) Close() error {
	errs := make([]error, 0, len(r.sinks))
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
