package sink

import (
	"context"

	"github.com/hazyhaar/scrollspy/domspy/change"
)

// Func is called for each change, in-process, without serialisation.
type Func func(ctx context.Context, ev change.Event) error

// Callback delivers changes through a Go function call. It is the path
// used when the consumer lives in the same binary.
type Callback struct {
	fn Func
}

// NewCallback creates a Callback sink. fn may be nil.
func NewCallback(fn Func) *Callback {
	return &Callback{fn: fn}
}

func (c *Callback) Send(ctx context.Context, ev change.Event) error {
	if c.fn != nil {
		return c.fn(ctx, ev)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
