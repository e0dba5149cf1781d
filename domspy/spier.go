// Package domspy runs scroll spies over live pages and ships every change
// of the active element to sinks (stdout, webhook, redis, SQLite history).
//
// Pages come from the YAML configuration, from the spy_pages table of the
// store (hot-reloaded) or from the HTTP and MCP surfaces. Each page owns a
// spy.Spy attached through the CDP bridge; change events are stamped with
// a per-page sequence number and delivered by a single emitter goroutine.
package domspy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/scrollspy/domspy/change"
	"github.com/hazyhaar/scrollspy/domspy/internal/browser"
	"github.com/hazyhaar/scrollspy/domspy/internal/sink"
	"github.com/hazyhaar/scrollspy/domspy/internal/store"
	"github.com/hazyhaar/scrollspy/spy"
)

var (
	// ErrUnknownPage is returned for a page id that is not watched.
	ErrUnknownPage = errors.New("domspy: unknown page")
	// ErrPageExists is returned by Watch for a page id already watched.
	ErrPageExists = errors.New("domspy: page already watched")
	// ErrInvalidPage is returned by Watch for a page without a URL.
	ErrInvalidPage = errors.New("domspy: invalid page")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("domspy: stopped")
)

// Option configures a Spier.
type Option func(*Spier)

// WithSinks adds output sinks.
func WithSinks(sinks ...Sink) Option {
	return func(s *Spier) { s.sinks = append(s.sinks, sinks...) }
}

// WithOpener replaces the Chrome opener; no browser is started.
func WithOpener(o Opener) Option {
	return func(s *Spier) { s.opener = o }
}

// WithStore enables the store: pages are loaded from spy_pages and
// reloaded when the table changes. The store stays owned by the caller.
func WithStore(st *store.Store) Option {
	return func(s *Spier) { s.store = st }
}

// Spier is the top-level orchestrator. It manages the browser, one spy per
// page and the sinks.
type Spier struct {
	cfg    *Config
	logger *slog.Logger
	sinks  []Sink
	router *sink.Router
	opener Opener
	mgr    *browser.Manager
	store  *store.Store

	syncMu  sync.Mutex
	mu      sync.Mutex
	pages   map[string]*watched
	started bool
	stopped bool

	emitMu     sync.RWMutex
	events     chan change.Event // closed by Stop under emitMu
	drained    bool
	ctx        context.Context
	cancel     context.CancelFunc
	stopReload context.CancelFunc
	wg         sync.WaitGroup
}

// watched is one spied page.
type watched struct {
	cfg     PageConfig
	session *Session
	spy     atomic.Pointer[spy.Spy]
	seq     *change.Sequencer // only touched from the spy's OnChange
	changes atomic.Uint64
	since   time.Time
	removed atomic.Bool // set once the page left s.pages
}

// New creates a Spier from configuration. Without WithOpener, pages are
// opened in a Chrome managed according to cfg.Browser.
func New(cfg *Config, logger *slog.Logger, opts ...Option) *Spier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
		cfg.ApplyDefaults()
	}
	s := &Spier{
		cfg:    cfg,
		logger: logger,
		pages:  make(map[string]*watched),
		events: make(chan change.Event, 256),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = sink.NewRouter(logger, s.sinks...)
	if s.opener == nil {
		s.mgr = browser.NewManager(browser.Config{
			RemoteURL:        cfg.Browser.Remote,
			Headless:         cfg.Browser.IsHeadless(),
			RecycleInterval:  cfg.Browser.RecycleInterval,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			NavigateTimeout:  cfg.Browser.NavigateTimeout,
			ViewportWidth:    cfg.Browser.ViewportWidth,
			ViewportHeight:   cfg.Browser.ViewportHeight,
			Logger:           logger,
		})
		s.opener = &browserOpener{mgr: s.mgr, logger: logger, blockPrivate: cfg.Browser.BlockPrivate}
	}
	return s
}

// Start launches the browser, starts the emitter and begins spying on the
// configured pages (plus the stored ones when a store is set). Pages that
// fail to open are logged and skipped.
func (s *Spier) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.mgr != nil {
		s.mgr.BeforeRecycle = s.detachAll
		s.mgr.AfterRecycle = s.reopenAll
		if err := s.mgr.Start(s.ctx); err != nil {
			return fmt.Errorf("domspy: start browser: %w", err)
		}
	}

	s.wg.Add(1)
	go s.emit()

	pages, err := s.desiredPages(s.ctx)
	if err != nil {
		return err
	}
	if err := s.Sync(s.ctx, pages); err != nil {
		s.logger.Error("domspy: initial sync incomplete", "error", err)
	}

	if s.store != nil {
		reloadCtx, stop := context.WithCancel(s.ctx)
		s.stopReload = stop
		r := s.store.NewReloader(store.ReloaderOptions{
			Interval: s.cfg.Store.ReloadInterval,
			Debounce: s.cfg.Store.ReloadDebounce,
			Logger:   s.logger,
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			r.Run(reloadCtx, s.Reload)
		}()
	}
	return nil
}

// Stop detaches every spy, delivers the queued events and shuts down the
// sinks and the browser.
func (s *Spier) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	pages := s.pages
	s.pages = make(map[string]*watched)
	for _, w := range pages {
		w.removed.Store(true)
	}
	started := s.started
	s.mu.Unlock()

	for id, w := range pages {
		s.release(w)
		s.logger.Info("domspy: stopped spy", "page_id", id)
	}
	if started {
		if s.stopReload != nil {
			s.stopReload()
		}
		s.emitMu.Lock()
		s.drained = true
		close(s.events)
		s.emitMu.Unlock()
		s.wg.Wait()
		s.cancel()
	}
	if err := s.router.Close(); err != nil {
		s.logger.Warn("domspy: close sinks", "error", err)
	}
	if s.mgr != nil {
		s.mgr.Close()
	}
}

// Watch opens a page and attaches a spy to its container.
func (s *Spier) Watch(ctx context.Context, page PageConfig) error {
	page.ApplyDefaults()
	if page.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidPage)
	}
	if strings.Contains(page.ID, "/") {
		return fmt.Errorf("%w: id %q contains a slash", ErrInvalidPage, page.ID)
	}
	opts := pageOptions(page).Normalize()
	if err := opts.Validate(); err != nil {
		return err
	}
	page.Selector, page.RootMargin = opts.Selector, opts.RootMargin

	s.mu.Lock()
	switch {
	case s.stopped || !s.started:
		s.mu.Unlock()
		return ErrStopped
	case s.pages[page.ID] != nil:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPageExists, page.ID)
	}
	w := &watched{cfg: page, seq: change.NewSequencer(page.ID, page.URL), since: time.Now()}
	s.pages[page.ID] = w
	s.mu.Unlock()

	err := s.attach(ctx, w)
	s.mu.Lock()
	stopped := s.stopped
	if err != nil && s.pages[page.ID] == w {
		delete(s.pages, page.ID)
	}
	s.mu.Unlock()
	switch {
	case err != nil && stopped:
		return ErrStopped
	case err != nil:
		return err
	case stopped:
		s.release(w)
		return ErrStopped
	}
	s.logger.Info("domspy: spying on page",
		"page_id", page.ID, "url", page.URL, "selector", opts.Selector)
	return nil
}

// Update replaces the spy options of a page and rebuilds its spy.
func (s *Spier) Update(pageID string, opts spy.Options) error {
	w, err := s.page(pageID)
	if err != nil {
		return err
	}
	sp := w.spy.Load()
	if sp == nil {
		return fmt.Errorf("domspy: page %s is not attached", pageID)
	}
	if err := sp.Update(opts); err != nil {
		return err
	}
	n := opts.Normalize()
	s.mu.Lock()
	w.cfg.Selector, w.cfg.RootMargin, w.cfg.Thresholds = n.Selector, n.RootMargin, opts.Thresholds
	s.mu.Unlock()
	return nil
}

// Unwatch detaches the spy of a page and closes it.
func (s *Spier) Unwatch(pageID string) error {
	s.mu.Lock()
	w := s.pages[pageID]
	delete(s.pages, pageID)
	if w != nil {
		w.removed.Store(true)
	}
	s.mu.Unlock()
	if w == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPage, pageID)
	}
	s.release(w)
	s.logger.Info("domspy: stopped spy", "page_id", pageID)
	return nil
}

// Active returns the active element of a page.
func (s *Spier) Active(pageID string) (string, bool, error) {
	w, err := s.page(pageID)
	if err != nil {
		return "", false, err
	}
	sp := w.spy.Load()
	if sp == nil {
		return "", false, nil
	}
	id, ok := sp.Active()
	return id, ok, nil
}

// RankEntry is one element of a page ranking.
type RankEntry struct {
	ID       string  `json:"id"`
	Position int     `json:"position"`
	Ratio    float64 `json:"ratio"`
}

// PageStatus is a snapshot of a spied page.
type PageStatus struct {
	PageConfig
	Attached   bool        `json:"attached"`
	ActiveID   string      `json:"active_id,omitempty"`
	Generation uint64      `json:"generation"`
	Rebuilds   uint64      `json:"rebuilds"`
	Changes    uint64      `json:"changes"`
	Since      time.Time   `json:"since"`
	Ranking    []RankEntry `json:"ranking,omitempty"`
}

// Pages returns the status of every page, ordered by id.
func (s *Spier) Pages() []PageStatus {
	s.mu.Lock()
	ids := slices.Sorted(maps.Keys(s.pages))
	ws := make([]*watched, len(ids))
	for i, id := range ids {
		ws[i] = s.pages[id]
	}
	s.mu.Unlock()

	out := make([]PageStatus, len(ws))
	for i, w := range ws {
		out[i] = s.status(w)
	}
	return out
}

// Page returns the status of one page.
func (s *Spier) Page(pageID string) (PageStatus, error) {
	w, err := s.page(pageID)
	if err != nil {
		return PageStatus{}, err
	}
	return s.status(w), nil
}

// Sync reconciles the watched pages with pages: missing ones are watched,
// ones whose URL or container changed are reopened, ones whose options
// changed are updated, and the rest are unwatched.
func (s *Spier) Sync(ctx context.Context, pages []PageConfig) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	desired := make(map[string]PageConfig, len(pages))
	for _, p := range pages {
		p.ApplyDefaults()
		desired[p.ID] = p
	}

	s.mu.Lock()
	current := make(map[string]PageConfig, len(s.pages))
	for id, w := range s.pages {
		current[id] = w.cfg
	}
	s.mu.Unlock()

	var errs []error
	for id := range current {
		if _, ok := desired[id]; !ok {
			if err := s.Unwatch(id); !errors.Is(err, ErrUnknownPage) {
				errs = append(errs, err)
			}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(desired)) {
		want := desired[id]
		have, ok := current[id]
		switch {
		case !ok:
			errs = append(errs, s.Watch(ctx, want))
		case have.URL != want.URL || have.Container != want.Container:
			errs = append(errs, s.Unwatch(id), s.Watch(ctx, want))
		case !sameOptions(pageOptions(have), pageOptions(want)):
			errs = append(errs, s.Update(id, pageOptions(want)))
		}
	}
	return errors.Join(errs...)
}

// Reload syncs with the configured and stored pages.
func (s *Spier) Reload(ctx context.Context) error {
	pages, err := s.desiredPages(ctx)
	if err != nil {
		return err
	}
	return s.Sync(ctx, pages)
}

// Store returns the store, or nil.
func (s *Spier) Store() *store.Store { return s.store }

func (s *Spier) desiredPages(ctx context.Context) ([]PageConfig, error) {
	byID := make(map[string]PageConfig)
	for _, p := range s.cfg.Pages {
		byID[p.ID] = p
	}
	if s.store != nil {
		stored, err := s.store.LoadPages(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range stored {
			byID[p.ID] = PageConfig{
				ID:         p.ID,
				URL:        p.URL,
				Container:  p.Container,
				Selector:   p.Selector,
				RootMargin: p.RootMargin,
			}
		}
	}
	return slices.Collect(maps.Values(byID)), nil
}

func (s *Spier) attach(ctx context.Context, w *watched) error {
	sess, err := s.opener.Open(ctx, w.cfg)
	if err != nil {
		return fmt.Errorf("domspy: open %s: %w", w.cfg.URL, err)
	}
	sp, err := spy.Attach(spy.Config{
		Host:      sess.Host,
		Container: sess.Container,
		Options:   pageOptions(w.cfg),
		OnChange:  func(id string) { s.publish(w, id) },
		Logger:    s.logger.With("page_id", w.cfg.ID),
	})
	if err != nil {
		sess.Close()
		return fmt.Errorf("domspy: attach %s: %w", w.cfg.ID, err)
	}
	// Unwatch may have run while the page was opening.
	s.mu.Lock()
	orphan := s.pages[w.cfg.ID] != w
	if !orphan {
		w.session = sess
		w.spy.Store(sp)
	}
	s.mu.Unlock()
	if orphan {
		sp.Detach()
		sess.Close()
		return fmt.Errorf("%w: %s was removed while opening", ErrUnknownPage, w.cfg.ID)
	}
	return nil
}

func (s *Spier) release(w *watched) {
	if sp := w.spy.Swap(nil); sp != nil {
		sp.Detach()
	}
	s.mu.Lock()
	sess := w.session
	w.session = nil
	s.mu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			s.logger.Warn("domspy: close page", "page_id", w.cfg.ID, "error", err)
		}
	}
}

// publish runs from the spy's OnChange. The first notification arrives
// before Attach returns, so the generation falls back to 1.
func (s *Spier) publish(w *watched, activeID string) {
	if w.removed.Load() {
		return
	}
	gen := uint64(1)
	if sp := w.spy.Load(); sp != nil {
		gen = sp.Generation()
	}
	ev := w.seq.Next(activeID, gen)
	w.changes.Store(ev.Seq)
	s.logger.Debug("domspy: active element changed",
		"page_id", ev.PageID, "active_id", ev.ActiveID, "previous_id", ev.PreviousID, "seq", ev.Seq)

	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.drained {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// emit is the only goroutine writing to the sinks.
func (s *Spier) emit() {
	defer s.wg.Done()
	for ev := range s.events {
		if err := s.router.Send(s.ctx, ev); err != nil {
			s.logger.Error("domspy: deliver change failed", "page_id", ev.PageID, "error", err)
		}
	}
}

func (s *Spier) detachAll() {
	s.mu.Lock()
	ws := slices.Collect(maps.Values(s.pages))
	s.mu.Unlock()
	for _, w := range ws {
		s.release(w)
	}
}

func (s *Spier) reopenAll(ctx context.Context) {
	s.mu.Lock()
	ws := slices.Collect(maps.Values(s.pages))
	s.mu.Unlock()
	for _, w := range ws {
		if err := s.attach(ctx, w); err != nil && !errors.Is(err, ErrUnknownPage) {
			s.logger.Error("domspy: reopen after recycle failed", "page_id", w.cfg.ID, "error", err)
		}
	}
}

func (s *Spier) page(id string) (*watched, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.pages[id]
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPage, id)
	}
	return w, nil
}

func (s *Spier) status(w *watched) PageStatus {
	s.mu.Lock()
	st := PageStatus{PageConfig: w.cfg, Since: w.since}
	s.mu.Unlock()
	st.Changes = w.changes.Load()

	sp := w.spy.Load()
	if sp == nil {
		return st
	}
	st.Attached = true
	st.ActiveID, _ = sp.Active()
	st.Generation = sp.Generation()
	st.Rebuilds = sp.Rebuilds()
	for _, e := range sp.Ranking() {
		st.Ranking = append(st.Ranking, RankEntry{ID: e.Element.ID(), Position: e.Position, Ratio: e.Ratio})
	}
	return st
}

func sameOptions(a, b spy.Options) bool {
	a, b = a.Normalize(), b.Normalize()
	return a.Selector == b.Selector && a.RootMargin == b.RootMargin && slices.Equal(a.Thresholds, b.Thresholds)
}
