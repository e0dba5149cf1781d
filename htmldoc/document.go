// Package htmldoc is an in-memory DOM that implements spy.Host.
//
// A Document is parsed from HTML with golang.org/x/net/html and queried with
// goquery. It has no layout engine: visibility is driven explicitly with
// SetRatio, and structural changes with Append and Remove. Sensor callbacks
// are queued and delivered by Flush, the way a browser delivers observer
// records after the current task.
package htmldoc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/hazyhaar/scrollspy/spy"
)

// ErrForeignElement is returned when an element from another document (or
// another host) is passed to a Document.
var ErrForeignElement = errors.New("htmldoc: element does not belong to this document")

// Document is a parsed HTML tree plus the sensors observing it.
type Document struct {
	mu       sync.Mutex
	doc      *goquery.Document
	elements map[*html.Node]*Element
	ratios   map[*Element]float64

	visibility []*visibilitySensor
	mutation   []*mutationSensor
	queue      []func()
}

type parseConfig struct {
	sanitize bool
}

// ParseOption configures Parse.
type ParseOption func(*parseConfig)

// WithSanitize strips scripts, handlers and unknown markup before parsing,
// keeping structure and id attributes. Use it for untrusted input.
func WithSanitize() ParseOption {
	return func(c *parseConfig) { c.sanitize = true }
}

// Parse reads an HTML document.
func Parse(r io.Reader, opts ...ParseOption) (*Document, error) {
	var cfg parseConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.sanitize {
		r = sanitize(r)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	return &Document{
		doc:      doc,
		elements: make(map[*html.Node]*Element),
		ratios:   make(map[*Element]float64),
	}, nil
}

// ParseString is Parse over a string.
func ParseString(s string, opts ...ParseOption) (*Document, error) {
	return Parse(strings.NewReader(s), opts...)
}

// Root returns the body element, the usual container.
func (d *Document) Root() *Element {
	return d.Find("body")
}

// Find returns the first element matching selector, or nil.
func (d *Document) Find(selector string) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel := d.doc.Find(selector)
	if sel.Length() == 0 {
		return nil
	}
	return d.wrap(sel.Nodes[0])
}

// FindByID returns the element with the given id, or nil.
func (d *Document) FindByID(id string) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found *html.Node
	d.doc.Find("[id]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, _ := s.Attr("id"); v == id {
			found = s.Nodes[0]
			return false
		}
		return true
	})
	if found == nil {
		return nil
	}
	return d.wrap(found)
}

// QueryAll implements spy.Host.
func (d *Document) QueryAll(container spy.Element, selector string) ([]spy.Element, error) {
	c, err := d.own(container)
	if err != nil {
		return nil, err
	}
	if _, err := cascadia.Compile(selector); err != nil {
		return nil, fmt.Errorf("htmldoc: selector %q: %w", selector, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	sel := goquery.NewDocumentFromNode(c.node).Find(selector)
	out := make([]spy.Element, 0, sel.Length())
	for _, n := range sel.Nodes {
		out = append(out, d.wrap(n))
	}
	return out, nil
}

// Append parses fragment in the context of parent and appends the
// resulting nodes as its last children. It returns the added elements and
// reports them to mutation sensors.
func (d *Document) Append(parent *Element, fragment string) ([]*Element, error) {
	if _, err := d.own(parent); err != nil {
		return nil, err
	}

	d.mu.Lock()
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent.node)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("htmldoc: parse fragment: %w", err)
	}
	var added []*Element
	for _, n := range nodes {
		parent.node.AppendChild(n)
		if n.Type == html.ElementNode {
			added = append(added, d.wrap(n))
		}
	}
	d.recordLocked(parent.node, added, nil)
	d.mu.Unlock()

	d.Flush()
	return added, nil
}

// Remove detaches el from the tree. Observed elements of the removed
// subtree drop to a ratio of 0.
func (d *Document) Remove(el *Element) error {
	if _, err := d.own(el); err != nil {
		return err
	}

	d.mu.Lock()
	parent := el.node.Parent
	if parent == nil {
		d.mu.Unlock()
		return fmt.Errorf("htmldoc: element %q is not attached", el.describe())
	}
	parent.RemoveChild(el.node)
	for e, r := range d.ratios {
		if r > 0 && (e == el || contains(el.node, e.node)) {
			d.setRatioLocked(e, 0)
		}
	}
	d.recordLocked(parent, nil, []*Element{el})
	d.mu.Unlock()

	d.Flush()
	return nil
}

// SetRatio sets the visibility ratio of el and notifies the sensors whose
// thresholds were crossed.
func (d *Document) SetRatio(el *Element, ratio float64) error {
	if _, err := d.own(el); err != nil {
		return err
	}
	d.mu.Lock()
	d.setRatioLocked(el, min(max(ratio, 0), 1))
	d.mu.Unlock()

	d.Flush()
	return nil
}

// Ratio returns the current visibility ratio of el.
func (d *Document) Ratio(el *Element) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ratios[el]
}

// Flush delivers every queued sensor callback, including the ones queued
// by the callbacks themselves.
func (d *Document) Flush() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		task()
	}
}

// HTML renders the current tree.
func (d *Document) HTML() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf bytes.Buffer
	for _, n := range d.doc.Nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("htmldoc: render: %w", err)
		}
	}
	return buf.String(), nil
}

// OuterHTML renders an element of the document with its descendants.
func (d *Document) OuterHTML(el spy.Element) (string, error) {
	e, err := d.own(el)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return goquery.OuterHtml(goquery.NewDocumentFromNode(e.node).Selection)
}

func (d *Document) wrap(n *html.Node) *Element {
	if e, ok := d.elements[n]; ok {
		return e
	}
	e := &Element{node: n, doc: d}
	d.elements[n] = e
	return e
}

func (d *Document) own(el spy.Element) (*Element, error) {
	e, ok := el.(*Element)
	if !ok || e == nil || e.doc != d {
		return nil, ErrForeignElement
	}
	return e, nil
}

func (d *Document) enqueueLocked(task func()) {
	d.queue = append(d.queue, task)
}

// contains reports whether n is a strict descendant of root.
func contains(root, n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

// Element is one element node of a Document.
type Element struct {
	node *html.Node
	doc  *Document
}

// ID implements spy.Element.
func (e *Element) ID() string {
	return e.Attr("id")
}

// Attr returns the value of an attribute, or "".
func (e *Element) Attr(name string) string {
	for _, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val
		}
	}
	return ""
}

// Tag returns the lower-case tag name.
func (e *Element) Tag() string {
	return e.node.Data
}

// Matches implements spy.Element.
func (e *Element) Matches(selector string) bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return goquery.NewDocumentFromNode(e.node).Is(selector)
}

// Text returns the text content of the element.
func (e *Element) Text() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return goquery.NewDocumentFromNode(e.node).Text()
}

func (e *Element) describe() string {
	if id := e.ID(); id != "" {
		return e.Tag() + "#" + id
	}
	return e.Tag()
}
