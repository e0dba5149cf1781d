package store

import (
	"context"
	"fmt"
	"time"
)

// Page is a row of spy_pages.
type Page struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Container  string `json:"container"`
	Selector   string `json:"selector,omitempty"`
	RootMargin string `json:"root_margin,omitempty"`
	Status     string `json:"status"`
	UpdatedAt  int64  `json:"updated_at"`
}

// LoadPages returns the active pages ordered by id.
func (s *Store) LoadPages(ctx context.Context) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, container, selector, root_margin, status, updated_at
		FROM spy_pages
		WHERE status = 'active'
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: load pages: %w", err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.URL, &p.Container, &p.Selector,
			&p.RootMargin, &p.Status, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// UpsertPage inserts or replaces a page. Empty Status and Container take
// their defaults; UpdatedAt is set to now.
func (s *Store) UpsertPage(ctx context.Context, p Page) error {
	if p.ID == "" || p.URL == "" {
		return fmt.Errorf("store: upsert page: id and url are required")
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if p.Container == "" {
		p.Container = "body"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spy_pages (id, url, container, selector, root_margin, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			container = excluded.container,
			selector = excluded.selector,
			root_margin = excluded.root_margin,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, p.ID, p.URL, p.Container, p.Selector, p.RootMargin, p.Status, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: upsert page %s: %w", p.ID, err)
	}
	return nil
}

// DeletePage removes a page. Its change history is kept.
func (s *Store) DeletePage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spy_pages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete page %s: %w", id, err)
	}
	return nil
}
