package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Tab is a stealth page showing a spied URL.
type Tab struct {
	Page *rod.Page
	URL  string

	m    *Manager
	once sync.Once
}

// OpenTab opens a stealth tab with the configured viewport and resource
// blocking, then navigates to pageURL. A page that loads slowly is kept:
// the spy only needs the container to exist.
func (m *Manager) OpenTab(ctx context.Context, pageURL string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, ErrNotStarted
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: stealth tab: %w", err)
	}
	m.tabs.Add(1)
	tab := &Tab{Page: page, URL: pageURL, m: m}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.ViewportWidth,
		Height:            m.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		tab.Close()
		return nil, fmt.Errorf("browser: viewport: %w", err)
	}
	if len(m.cfg.ResourceBlocking) > 0 {
		blockResources(page, m.cfg.ResourceBlocking)
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigateTimeout)
	defer cancel()
	nav := page.Context(navCtx)
	if err := nav.Navigate(pageURL); err != nil {
		tab.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := nav.WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: page still loading", "url", pageURL, "error", err)
	}
	return tab, nil
}

// Close closes the tab. Later calls do nothing.
func (t *Tab) Close() error {
	var err error
	t.once.Do(func() {
		t.m.tabs.Add(-1)
		err = t.Page.Close()
	})
	return err
}
