package store

import (
	"context"
	"fmt"

	"github.com/hazyhaar/scrollspy/domspy/change"
)

// InsertChange appends an event to active_changes. Replaying an event with
// an id already stored is a no-op.
func (s *Store) InsertChange(ctx context.Context, ev change.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO active_changes
			(id, page_id, page_url, active_id, previous_id, seq, generation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.PageID, ev.PageURL, ev.ActiveID, ev.PreviousID,
		int64(ev.Seq), int64(ev.Generation), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("store: insert change: %w", err)
	}
	return nil
}

// ListChanges returns the most recent changes of a page, newest first.
// limit <= 0 means 100.
func (s *Store) ListChanges(ctx context.Context, pageID string, limit int) ([]change.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, page_url, active_id, previous_id, seq, generation, created_at
		FROM active_changes
		WHERE page_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list changes: %w", err)
	}
	defer rows.Close()

	var out []change.Event
	for rows.Next() {
		var ev change.Event
		var seq, gen int64
		if err := rows.Scan(&ev.ID, &ev.PageID, &ev.PageURL, &ev.ActiveID,
			&ev.PreviousID, &seq, &gen, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan change: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.Generation = uint64(gen)
		out = append(out, ev)
	}
	return out, rows.Err()
}
