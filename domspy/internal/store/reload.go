package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Detector reads a version token; two different values mean the pages
// changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// DataVersion uses PRAGMA data_version, which moves when another connection
// writes to the database file.
func DataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// PagesUpdatedAt uses MAX(updated_at) of spy_pages. It also sees writes
// made through the same connection.
func PagesUpdatedAt(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(updated_at), 0) + COUNT(*) FROM spy_pages").Scan(&v)
	return v, err
}

// ReloaderOptions tunes a Reloader.
type ReloaderOptions struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action runs.
	// Later changes restart it. Default: 0 (fire on the next poll).
	Debounce time.Duration
	// Detector defaults to DataVersion.
	Detector Detector
	Logger   *slog.Logger
}

// Reloader polls the store and calls an action when the pages changed.
type Reloader struct {
	db      *sql.DB
	opts    ReloaderOptions
	version int64
}

// NewReloader creates a Reloader. Call Run to start it.
func (s *Store) NewReloader(opts ReloaderOptions) *Reloader {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Detector == nil {
		opts.Detector = DataVersion
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reloader{db: s.db, opts: opts, version: -1}
}

// Run blocks until ctx is cancelled. If action fails the version is not
// advanced and the action is retried on the next detected poll.
func (r *Reloader) Run(ctx context.Context, action func(context.Context) error) {
	log := r.opts.Logger
	if v, err := r.opts.Detector(ctx, r.db); err != nil {
		log.Warn("store: initial version check failed", "error", err)
	} else {
		r.version = v
	}

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			cur, err := r.opts.Detector(ctx, r.db)
			if err != nil {
				log.Warn("store: version check failed", "error", err)
				continue
			}
			if cur == r.version || cur == pending {
				continue
			}
			pending = cur
			if r.opts.Debounce <= 0 {
				r.fire(ctx, action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(r.opts.Debounce)
			debounceCh = debounce.C
			log.Debug("store: pages changed, debouncing", "pending_version", cur)

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				r.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (r *Reloader) fire(ctx context.Context, action func(context.Context) error, v int64) {
	start := time.Now()
	if err := action(ctx); err != nil {
		r.opts.Logger.Error("store: reload failed", "error", err, "version", v)
		return
	}
	r.version = v
	r.opts.Logger.Info("store: reloaded", "version", v, "duration", time.Since(start))
}
