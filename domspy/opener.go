package domspy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/scrollspy/domspy/internal/browser"
	"github.com/hazyhaar/scrollspy/domspy/internal/cdp"
	"github.com/hazyhaar/scrollspy/domspy/internal/urlguard"
	"github.com/hazyhaar/scrollspy/htmldoc"
	"github.com/hazyhaar/scrollspy/spy"
)

// Session is an opened page ready to be spied on.
type Session struct {
	Host      spy.Host
	Container spy.Element
	close     func() error
}

// Close releases the page.
func (s *Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Opener opens the page described by a PageConfig. ctx bounds the
// opening only; the session lives until Close.
type Opener interface {
	Open(ctx context.Context, page PageConfig) (*Session, error)
}

// browserOpener opens a stealth Chrome tab and binds the CDP bridge.
type browserOpener struct {
	mgr          *browser.Manager
	logger       *slog.Logger
	blockPrivate bool
}

func (o *browserOpener) Open(ctx context.Context, page PageConfig) (*Session, error) {
	if o.blockPrivate {
		if err := urlguard.Check(ctx, page.URL); err != nil {
			return nil, err
		}
	}
	tab, err := o.mgr.OpenTab(ctx, page.URL)
	if err != nil {
		return nil, err
	}
	bridge, err := cdp.Bind(context.WithoutCancel(ctx), tab.Page, o.logger.With("page_id", page.ID))
	if err != nil {
		tab.Close()
		return nil, err
	}
	container, err := bridge.Container(page.Container)
	if err != nil {
		bridge.Close()
		tab.Close()
		return nil, err
	}
	return &Session{
		Host:      bridge,
		Container: container,
		close: func() error {
			return errors.Join(bridge.Close(), tab.Close())
		},
	}, nil
}

// DocumentOpener serves pages from in-memory documents keyed by URL.
type DocumentOpener struct {
	mu   sync.Mutex
	docs map[string]*htmldoc.Document
}

// NewDocumentOpener creates an empty DocumentOpener.
func NewDocumentOpener() *DocumentOpener {
	return &DocumentOpener{docs: make(map[string]*htmldoc.Document)}
}

// Add makes doc available under url.
func (o *DocumentOpener) Add(url string, doc *htmldoc.Document) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.docs[url] = doc
}

// Document returns the document served under url.
func (o *DocumentOpener) Document(url string) *htmldoc.Document {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.docs[url]
}

func (o *DocumentOpener) Open(_ context.Context, page PageConfig) (*Session, error) {
	doc := o.Document(page.URL)
	if doc == nil {
		return nil, fmt.Errorf("domspy: no document for %s", page.URL)
	}
	sel := page.Container
	if sel == "" {
		sel = "body"
	}
	container := doc.Find(sel)
	if container == nil {
		return nil, fmt.Errorf("domspy: container %q not found in %s", sel, page.URL)
	}
	return &Session{Host: doc, Container: container}, nil
}
