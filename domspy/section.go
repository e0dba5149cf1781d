package domspy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/scrollspy/spy"
)

var (
	// ErrNoActive is returned by Section while a page has no active element.
	ErrNoActive = errors.New("domspy: no active element")
	// ErrNoContent is returned by Section when the page host cannot render
	// elements.
	ErrNoContent = errors.New("domspy: host cannot render elements")
)

// renderer is implemented by hosts that can serialise an element.
type renderer interface {
	OuterHTML(el spy.Element) (string, error)
}

// Section is the content of the element being read.
type Section struct {
	PageID   string `json:"page_id"`
	PageURL  string `json:"page_url"`
	ActiveID string `json:"active_id"`
	Markdown string `json:"markdown"`
}

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Section returns the active element of a page converted to Markdown.
func (s *Spier) Section(pageID string) (Section, error) {
	w, err := s.page(pageID)
	if err != nil {
		return Section{}, err
	}
	s.mu.Lock()
	sess := w.session
	s.mu.Unlock()
	sp := w.spy.Load()
	if sp == nil || sess == nil {
		return Section{}, fmt.Errorf("%w: %s is not attached", ErrNoActive, pageID)
	}
	r, ok := sess.Host.(renderer)
	if !ok {
		return Section{}, ErrNoContent
	}

	id, ok := sp.Active()
	if !ok {
		return Section{}, fmt.Errorf("%w: %s", ErrNoActive, pageID)
	}
	var el spy.Element
	for _, e := range sp.Ranking() {
		if e.Element.ID() == id {
			el = e.Element
			break
		}
	}
	if el == nil {
		// The active element left the registry during a rebuild.
		return Section{}, fmt.Errorf("%w: %s", ErrNoActive, pageID)
	}

	outer, err := r.OuterHTML(el)
	if err != nil {
		return Section{}, fmt.Errorf("domspy: render %s#%s: %w", pageID, id, err)
	}
	return Section{
		PageID:   pageID,
		PageURL:  w.cfg.URL,
		ActiveID: id,
		Markdown: toMarkdown(outer, w.cfg.URL),
	}, nil
}

// toMarkdown converts rendered HTML, resolving relative links against
// http(s) page URLs. On conversion failure the HTML is returned as is.
func toMarkdown(fragment, pageURL string) string {
	var (
		md  string
		err error
	)
	if strings.HasPrefix(pageURL, "http://") || strings.HasPrefix(pageURL, "https://") {
		md, err = mdConverter.ConvertString(fragment, converter.WithDomain(pageURL))
	} else {
		md, err = mdConverter.ConvertString(fragment)
	}
	if err != nil {
		return fragment
	}
	return strings.TrimSpace(md)
}
