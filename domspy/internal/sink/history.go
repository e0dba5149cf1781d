package sink

import (
	"context"

	"github.com/hazyhaar/scrollspy/domspy/change"
	"github.com/hazyhaar/scrollspy/domspy/internal/store"
)

// History appends each change to the store's active_changes table.
type History struct {
	st *store.Store
}

// NewHistory creates a History sink. The store stays owned by the caller.
func NewHistory(st *store.Store) *History {
	return &History{st: st}
}

func (h *History) Send(ctx context.Context, ev change.Event) error {
	return h.st.InsertChange(ctx, ev)
}

func (h *History) Close() error { return nil }
