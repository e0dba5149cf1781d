// Package cdp implements spy.Host over a live Chrome page.
//
// An embedded script keeps a registry of element keys and creates the
// page's IntersectionObservers and MutationObservers; their reports come
// back through a Runtime binding and are dispatched to the spy from a
// single goroutine.
package cdp

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/scrollspy/spy"
)

//go:embed bridge.js
var bridgeJS string

const bindingName = "__domspy_binding"

var (
	// ErrNoContainer is returned by Container when nothing matches.
	ErrNoContainer = errors.New("cdp: container not found")
	// ErrForeignElement is returned for elements of another bridge.
	ErrForeignElement = errors.New("cdp: element does not belong to this page")
	// ErrClosed is returned once the bridge has been closed.
	ErrClosed = errors.New("cdp: bridge closed")
)

// Evaluator calls a method of the in-page bridge and returns its JSON
// result.
type Evaluator interface {
	Call(ctx context.Context, method string, args ...any) ([]byte, error)
}

type pageEvaluator struct {
	page *rod.Page
}

func (p pageEvaluator) Call(ctx context.Context, method string, args ...any) ([]byte, error) {
	res, err := p.page.Context(ctx).Eval(`(m, ...a) => window.__domspy[m](...a)`,
		append([]any{method}, args...)...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res.Value)
}

// Bridge is a spy.Host backed by one page.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc
	eval   Evaluator
	logger *slog.Logger

	mu         sync.Mutex
	nodes      map[int]*Node
	visibility map[int]*visibilitySensor
	mutations  map[int]*mutationSensor
	nextSensor int
	closed     bool

	inbox chan []byte
	done  chan struct{}
}

// Bind installs the bridge in page and starts listening for its reports.
// The bridge stops with ctx or Close.
func Bind(ctx context.Context, page *rod.Page, logger *slog.Logger) (*Bridge, error) {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		return nil, fmt.Errorf("cdp: add binding: %w", err)
	}
	if _, err := page.Context(ctx).Eval(bridgeJS, bindingName); err != nil {
		return nil, fmt.Errorf("cdp: install bridge: %w", err)
	}

	b := newBridge(ctx, pageEvaluator{page: page}, logger)
	wait := page.Context(b.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == bindingName {
			b.deliver([]byte(e.Payload))
		}
	})
	go wait()
	return b, nil
}

func newBridge(ctx context.Context, eval Evaluator, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		ctx:        ctx,
		cancel:     cancel,
		eval:       eval,
		logger:     logger,
		nodes:      make(map[int]*Node),
		visibility: make(map[int]*visibilitySensor),
		mutations:  make(map[int]*mutationSensor),
		inbox:      make(chan []byte, 1024),
		done:       make(chan struct{}),
	}
	go b.loop()
	return b
}

// Container returns the first element matching selector ("body" when
// empty).
func (b *Bridge) Container(selector string) (*Node, error) {
	if selector == "" {
		selector = "body"
	}
	raw, err := b.call("container", selector)
	if err != nil {
		return nil, err
	}
	var ref *nodeRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("cdp: decode container: %w", err)
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoContainer, selector)
	}
	return b.pin(*ref), nil
}

// QueryAll implements spy.Host.
func (b *Bridge) QueryAll(container spy.Element, selector string) ([]spy.Element, error) {
	c, err := b.own(container)
	if err != nil {
		return nil, err
	}
	raw, err := b.call("query", c.key, selector)
	if err != nil {
		return nil, err
	}
	var refs []nodeRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("cdp: decode query: %w", err)
	}
	return b.retain(refs), nil
}

// NewVisibilitySensor implements spy.Host.
func (b *Bridge) NewVisibilitySensor(opts spy.SensorOptions, fn func([]spy.Intersection)) (spy.VisibilitySensor, error) {
	vs := &visibilitySensor{b: b, fn: fn}
	vs.id = b.register(func(id int) { b.visibility[id] = vs })
	if _, err := b.call("visibility", vs.id, opts.RootMargin, opts.Thresholds); err != nil {
		b.forget(vs.id)
		return nil, err
	}
	return vs, nil
}

// NewMutationSensor implements spy.Host.
func (b *Bridge) NewMutationSensor(fn func([]spy.MutationRecord)) (spy.MutationSensor, error) {
	ms := &mutationSensor{b: b, fn: fn}
	ms.id = b.register(func(id int) { b.mutations[id] = ms })
	if _, err := b.call("mutations", ms.id); err != nil {
		b.forget(ms.id)
		return nil, err
	}
	return ms, nil
}

// Close disconnects every in-page observer and stops the dispatch loop.
// It must not be called from a sensor callback.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	_, err := b.eval.Call(b.ctx, "reset")
	b.cancel()
	<-b.done
	if err != nil {
		return fmt.Errorf("cdp: reset: %w", err)
	}
	return nil
}

// deliver queues a binding payload. It drops the payload when the bridge is
// shutting down.
func (b *Bridge) deliver(payload []byte) {
	select {
	case b.inbox <- payload:
	case <-b.ctx.Done():
	}
}

// loop is the only goroutine that calls sensor callbacks.
func (b *Bridge) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case payload := <-b.inbox:
			b.dispatch(payload)
		}
	}
}

type nodeRef struct {
	Key int    `json:"key"`
	ID  string `json:"id"`
}

type message struct {
	Kind    string `json:"kind"`
	Sensor  int    `json:"sensor"`
	Entries []struct {
		nodeRef
		Ratio float64 `json:"ratio"`
	} `json:"entries"`
	Records []struct {
		Added   []nodeRef `json:"added"`
		Removed []nodeRef `json:"removed"`
	} `json:"records"`
}

func (b *Bridge) dispatch(payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Warn("cdp: parse binding payload", "error", err)
		return
	}

	switch msg.Kind {
	case "intersection":
		b.mu.Lock()
		vs := b.visibility[msg.Sensor]
		b.mu.Unlock()
		if vs == nil {
			return
		}
		entries := make([]spy.Intersection, len(msg.Entries))
		for i, e := range msg.Entries {
			entries[i] = spy.Intersection{Element: b.lookup(e.nodeRef), Ratio: e.Ratio}
		}
		vs.fn(entries)

	case "mutation":
		b.mu.Lock()
		ms := b.mutations[msg.Sensor]
		b.mu.Unlock()
		if ms == nil || len(msg.Records) == 0 {
			return
		}
		records := make([]spy.MutationRecord, len(msg.Records))
		for i, r := range msg.Records {
			records[i] = spy.MutationRecord{Added: b.elements(r.Added), Removed: b.elements(r.Removed)}
		}
		ms.fn(records)

	default:
		b.logger.Debug("cdp: unknown message", "kind", msg.Kind)
	}
}

func (b *Bridge) call(method string, args ...any) ([]byte, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	raw, err := b.eval.Call(b.ctx, method, args...)
	if err != nil {
		return nil, fmt.Errorf("cdp: %s: %w", method, err)
	}
	return raw, nil
}

func (b *Bridge) register(add func(id int)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSensor++
	add(b.nextSensor)
	return b.nextSensor
}

func (b *Bridge) forget(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.visibility, id)
	delete(b.mutations, id)
}

// retain makes refs the tracked set: containers and the latest query
// results keep a stable wrapper, every other key is forgotten.
func (b *Bridge) retain(refs []nodeRef) []spy.Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make(map[int]*Node, len(refs)+1)
	for k, n := range b.nodes {
		if n.pinned {
			kept[k] = n
		}
	}
	out := make([]spy.Element, len(refs))
	for i, r := range refs {
		n, ok := b.nodes[r.Key]
		if !ok {
			n = &Node{key: r.Key, b: b}
		}
		n.id = r.ID
		kept[r.Key] = n
		out[i] = n
	}
	b.nodes = kept
	return out
}

// lookup returns the tracked wrapper for a key, or an untracked one.
func (b *Bridge) lookup(r nodeRef) *Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[r.Key]; ok {
		n.id = r.ID
		return n
	}
	return &Node{key: r.Key, id: r.ID, b: b}
}

// pin returns the single wrapper for a container key and keeps it tracked.
func (b *Bridge) pin(r nodeRef) *Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[r.Key]
	if !ok {
		n = &Node{key: r.Key, b: b}
		b.nodes[r.Key] = n
	}
	n.id, n.pinned = r.ID, true
	return n
}

func (b *Bridge) elements(refs []nodeRef) []spy.Element {
	if len(refs) == 0 {
		return nil
	}
	out := make([]spy.Element, len(refs))
	for i, r := range refs {
		out[i] = b.lookup(r)
	}
	return out
}

func (b *Bridge) own(el spy.Element) (*Node, error) {
	n, ok := el.(*Node)
	if !ok || n == nil || n.b != b {
		return nil, ErrForeignElement
	}
	return n, nil
}

// OuterHTML returns the current markup of el.
func (b *Bridge) OuterHTML(el spy.Element) (string, error) {
	n, err := b.own(el)
	if err != nil {
		return "", err
	}
	raw, err := b.call("html", n.key)
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("cdp: html: %w", err)
	}
	return out, nil
}

// Node is an element of the page, identified by its bridge key.
type Node struct {
	key    int
	id     string
	b      *Bridge
	pinned bool // a container, kept across queries
}

// Key returns the bridge key.
func (n *Node) Key() int { return n.key }

// ID implements spy.Element. It is the id last seen by the bridge.
func (n *Node) ID() string {
	n.b.mu.Lock()
	defer n.b.mu.Unlock()
	return n.id
}

// Matches implements spy.Element. Evaluation errors count as no match.
func (n *Node) Matches(selector string) bool {
	raw, err := n.b.call("matches", n.key, selector)
	if err != nil {
		n.b.logger.Debug("cdp: matches", "key", n.key, "selector", selector, "error", err)
		return false
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false
	}
	return ok
}

type visibilitySensor struct {
	b  *Bridge
	id int
	fn func([]spy.Intersection)
}

func (vs *visibilitySensor) Observe(el spy.Element) error {
	n, err := vs.b.own(el)
	if err != nil {
		return err
	}
	_, err = vs.b.call("observe", vs.id, n.key)
	return err
}

func (vs *visibilitySensor) Disconnect() error {
	vs.b.forget(vs.id)
	_, err := vs.b.call("disconnect", vs.id)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

type mutationSensor struct {
	b  *Bridge
	id int
	fn func([]spy.MutationRecord)
}

func (ms *mutationSensor) Observe(root spy.Element) error {
	n, err := ms.b.own(root)
	if err != nil {
		return err
	}
	_, err = ms.b.call("observe", ms.id, n.key)
	return err
}

func (ms *mutationSensor) Disconnect() error {
	ms.b.forget(ms.id)
	_, err := ms.b.call("disconnect", ms.id)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
