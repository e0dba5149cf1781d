// Package browser runs the Chrome instance domspy drives: launch or remote
// connect through Rod, stealth tabs with a fixed viewport, resource
// blocking and recycling of old or unresponsive instances.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

var (
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("browser: manager is closed")
	// ErrNotStarted is returned by OpenTab before Start.
	ErrNotStarted = errors.New("browser: not started")
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local Chrome.
	RemoteURL string
	Headless  bool

	// RecycleInterval is the maximum lifetime of a Chrome process.
	// Default: 4h.
	RecycleInterval time.Duration

	// CheckInterval is how often Chrome is pinged. A Chrome that does not
	// answer within CheckTimeout is recycled at once. Default: 30s and 5s.
	CheckInterval time.Duration
	CheckTimeout  time.Duration

	// ResourceBlocking lists resource types never fetched
	// (images, fonts, media, stylesheets).
	ResourceBlocking []string

	// NavigateTimeout bounds navigation plus load. Default: 30s.
	NavigateTimeout time.Duration

	// Viewport of every tab, in CSS pixels. Visibility ratios depend on it.
	// Default: 1280x800.
	ViewportWidth  int
	ViewportHeight int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		c.ViewportWidth, c.ViewportHeight = 1280, 800
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process. Tabs do not survive a recycle: the
// BeforeRecycle hook must release them and AfterRecycle reopen them.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool

	tabs     atomic.Int64
	recycles atomic.Uint64

	BeforeRecycle func()
	AfterRecycle  func(ctx context.Context)
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches or connects to Chrome and starts the watchdog, which
// stops with ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.connect(); err != nil {
		return err
	}
	go m.watchdog(ctx)
	return nil
}

// Browser returns the current Rod browser, nil before Start.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Tabs returns the number of open tabs.
func (m *Manager) Tabs() int { return int(m.tabs.Load()) }

// Recycles returns how many times Chrome was restarted.
func (m *Manager) Recycles() uint64 { return m.recycles.Load() }

// Recycle restarts Chrome, running the hooks around the restart.
func (m *Manager) Recycle(ctx context.Context, reason string) error {
	if m.BeforeRecycle != nil {
		m.BeforeRecycle()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cfg.Logger.Info("browser: recycling",
		"reason", reason, "uptime", time.Since(m.startAt), "tabs", m.tabs.Load())
	m.teardown()
	err := m.connect()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.recycles.Add(1)

	if m.AfterRecycle != nil {
		m.AfterRecycle(ctx)
	}
	return nil
}

// Close stops Chrome. Further calls to Start or Recycle fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.teardown()
	return nil
}

// connect sets m.browser. Caller holds mu.
func (m *Manager) connect() error {
	wsURL := m.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(m.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL, m.lnch = u, l
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return fmt.Errorf("browser: connect %s: %w", wsURL, err)
	}
	m.browser, m.startAt = b, time.Now()
	m.cfg.Logger.Info("browser: connected", "url", wsURL, "remote", m.cfg.RemoteURL != "")
	return nil
}

// teardown closes Chrome. Caller holds mu.
func (m *Manager) teardown() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Debug("browser: close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

func (m *Manager) watchdog(ctx context.Context) {
	t := time.NewTimer(m.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		reason, done := m.check()
		if done {
			return
		}
		if reason != "" {
			if err := m.Recycle(ctx, reason); err != nil {
				m.cfg.Logger.Error("browser: recycle failed", "reason", reason, "error", err)
			}
		}
		t.Reset(m.cfg.CheckInterval)
	}
}

// check returns why Chrome should be recycled, if it should, and whether
// the manager is closed.
func (m *Manager) check() (reason string, closed bool) {
	m.mu.RLock()
	b, started := m.browser, m.startAt
	closed = m.closed
	m.mu.RUnlock()
	switch {
	case closed:
		return "", true
	case b == nil:
		return "disconnected", false
	case time.Since(started) >= m.cfg.RecycleInterval:
		return "age", false
	}
	if _, err := b.Timeout(m.cfg.CheckTimeout).Version(); err != nil {
		m.cfg.Logger.Warn("browser: ping failed", "error", err)
		return "unresponsive", false
	}
	return "", false
}
