package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/scrollspy/spy"
)

type fakeNode struct {
	key int
	tag string
	id  string
}

// fakePage answers bridge calls the way bridge.js does, over a flat list
// of children of <body> (key 1).
type fakePage struct {
	mu       sync.Mutex
	children []fakeNode
	calls    []string
	sensors  map[int]bool
	observed map[int][]int
	fail     string
}

func newFakePage(children ...fakeNode) *fakePage {
	return &fakePage{children: children, sensors: map[int]bool{}, observed: map[int][]int{}}
}

func (p *fakePage) Call(_ context.Context, method string, args ...any) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, method)
	if method == p.fail {
		return nil, errors.New("evaluation failed")
	}

	switch method {
	case "container":
		if args[0] == "body" {
			return json.Marshal(nodeRef{Key: 1})
		}
		return []byte("null"), nil
	case "query":
		sel := args[1].(string)
		refs := []nodeRef{}
		for _, c := range p.children {
			if match(c, sel) {
				refs = append(refs, nodeRef{Key: c.key, ID: c.id})
			}
		}
		return json.Marshal(refs)
	case "matches":
		key, sel := args[0].(int), args[1].(string)
		for _, c := range p.children {
			if c.key == key {
				return json.Marshal(match(c, sel))
			}
		}
		return json.Marshal(false)
	case "html":
		key := args[0].(int)
		for _, c := range p.children {
			if c.key == key {
				return json.Marshal(fmt.Sprintf("<%s id=%q></%s>", c.tag, c.id, c.tag))
			}
		}
		return nil, errors.New("domspy: unknown element")
	case "visibility", "mutations":
		p.sensors[args[0].(int)] = true
	case "observe":
		id := args[0].(int)
		p.observed[id] = append(p.observed[id], args[1].(int))
	case "disconnect":
		delete(p.sensors, args[0].(int))
	case "reset":
		clear(p.sensors)
	default:
		return nil, fmt.Errorf("unknown method %s", method)
	}
	return []byte("true"), nil
}

func match(n fakeNode, sel string) bool {
	return sel == n.tag || (n.id != "" && sel == n.tag+"[id]")
}

func (p *fakePage) liveSensors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sensors)
}

func intersection(sensor int, key int, id string, ratio float64) []byte {
	return fmt.Appendf(nil, `{"kind":"intersection","sensor":%d,"entries":[{"key":%d,"id":%q,"ratio":%v}]}`,
		sensor, key, id, ratio)
}

func threeSections() *fakePage {
	return newFakePage(
		fakeNode{key: 2, tag: "section", id: "x"},
		fakeNode{key: 3, tag: "section", id: "y"},
		fakeNode{key: 4, tag: "section", id: "z"},
	)
}

func TestBridge_ContainerAndQuery(t *testing.T) {
	b := newBridge(context.Background(), threeSections(), nil)
	defer b.Close()

	body, err := b.Container("")
	if err != nil {
		t.Fatalf("Container: %v", err)
	}
	if body.Key() != 1 {
		t.Errorf("body key: got %d", body.Key())
	}
	if _, err := b.Container("main"); !errors.Is(err, ErrNoContainer) {
		t.Errorf("missing container: got %v", err)
	}

	els, err := b.QueryAll(body, "section[id]")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := b.QueryAll(body, "section[id]")
	if len(els) != 3 || els[1] != again[1] || els[1].ID() != "y" {
		t.Errorf("QueryAll: got %v / %v", els, again)
	}
	if !els[0].Matches("section") || els[0].Matches("h2") {
		t.Error("Matches disagrees with the page")
	}
	if got, err := b.OuterHTML(els[2]); err != nil || got != `<section id="z"></section>` {
		t.Errorf("OuterHTML: got %q, %v", got, err)
	}

	other := newBridge(context.Background(), threeSections(), nil)
	defer other.Close()
	if _, err := other.QueryAll(body, "section"); !errors.Is(err, ErrForeignElement) {
		t.Errorf("foreign container: got %v", err)
	}
}

func TestBridge_DrivesSpy(t *testing.T) {
	page := threeSections()
	b := newBridge(context.Background(), page, nil)
	defer b.Close()
	body, _ := b.Container("body")

	var got []string
	s, err := spy.Attach(spy.Config{
		Host:      b,
		Container: body,
		OnChange:  func(id string) { got = append(got, id) },
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach()

	// Sensor 1 is the visibility sensor, 2 the mutation sensor.
	if !slices.Equal(page.observed[1], []int{2, 3, 4}) || !slices.Equal(page.observed[2], []int{1}) {
		t.Fatalf("observed: %v", page.observed)
	}

	b.dispatch(intersection(1, 3, "y", 0.6))
	if !slices.Equal(got, []string{"x", "y"}) {
		t.Fatalf("notifications: got %v, want [x y]", got)
	}

	page.mu.Lock()
	page.children = append([]fakeNode{{key: 5, tag: "section", id: "w"}}, page.children...)
	page.mu.Unlock()
	b.dispatch([]byte(`{"kind":"mutation","sensor":2,"records":[{"added":[{"key":5,"id":"w"}],"removed":[]}]}`))

	if s.Generation() != 2 {
		t.Fatalf("Generation: got %d, want 2", s.Generation())
	}
	// Old sensor 1 was forgotten; its late report is dropped.
	b.dispatch(intersection(1, 3, "y", 0.9))
	if id, _ := s.Active(); id != "w" {
		t.Errorf("Active: got %q, want w", id)
	}
	if !slices.Equal(got, []string{"x", "y", "w"}) {
		t.Errorf("notifications: got %v", got)
	}
	if n := page.liveSensors(); n != 2 {
		t.Errorf("live in-page sensors: got %d, want 2", n)
	}
}

func TestBridge_IgnoresBadPayloads(t *testing.T) {
	b := newBridge(context.Background(), threeSections(), nil)
	defer b.Close()

	calls := 0
	vs, err := b.NewVisibilitySensor(spy.SensorOptions{}, func([]spy.Intersection) { calls++ })
	if err != nil {
		t.Fatal(err)
	}
	b.dispatch([]byte(`not json`))
	b.dispatch([]byte(`{"kind":"resize"}`))
	b.dispatch(intersection(99, 2, "x", 1))
	if calls != 0 {
		t.Fatalf("callback ran %d times", calls)
	}

	vs.Disconnect()
	b.dispatch(intersection(1, 2, "x", 1))
	if calls != 0 {
		t.Error("disconnected sensor delivered")
	}
}

func TestBridge_DeliverRunsOnLoop(t *testing.T) {
	b := newBridge(context.Background(), threeSections(), nil)
	defer b.Close()

	got := make(chan float64, 1)
	if _, err := b.NewVisibilitySensor(spy.SensorOptions{}, func(e []spy.Intersection) {
		got <- e[0].Ratio
	}); err != nil {
		t.Fatal(err)
	}
	b.deliver(intersection(1, 2, "x", 0.25))

	select {
	case r := <-got:
		if r != 0.25 {
			t.Errorf("ratio: got %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("payload never dispatched")
	}
}

func TestBridge_Close(t *testing.T) {
	page := threeSections()
	b := newBridge(context.Background(), page, nil)
	b.NewMutationSensor(func([]spy.MutationRecord) {})

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if page.liveSensors() != 0 {
		t.Error("reset not called")
	}
	if _, err := b.Container("body"); !errors.Is(err, ErrClosed) {
		t.Errorf("call after Close: got %v", err)
	}
}

func TestBridge_SensorCreationFailure(t *testing.T) {
	page := threeSections()
	page.fail = "visibility"
	b := newBridge(context.Background(), page, nil)
	defer b.Close()

	if _, err := b.NewVisibilitySensor(spy.SensorOptions{}, nil); err == nil {
		t.Fatal("want error")
	}
	if len(b.visibility) != 0 {
		t.Error("failed sensor left registered")
	}
}

func (b *Bridge) trackedKeys() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.nodes))
}

func TestBridge_TracksOnlyLatestQuery(t *testing.T) {
	page := threeSections()
	b := newBridge(context.Background(), page, nil)
	defer b.Close()
	body, _ := b.Container("body")

	els, err := b.QueryAll(body, "section[id]")
	if err != nil {
		t.Fatal(err)
	}
	if got := b.trackedKeys(); !slices.Equal(got, []int{1, 2, 3, 4}) {
		t.Fatalf("tracked after first query: %v", got)
	}

	// Keys seen only in reports are never retained.
	b.dispatch([]byte(`{"kind":"mutation","sensor":7,"records":[{"added":[{"key":40,"id":"a"}],"removed":[]}]}`))
	var seen []spy.MutationRecord
	if _, err := b.NewMutationSensor(func(r []spy.MutationRecord) { seen = r }); err != nil {
		t.Fatal(err)
	}
	b.dispatch([]byte(`{"kind":"mutation","sensor":1,"records":[{"added":[{"key":41,"id":"b"}],"removed":[{"key":3,"id":"y"}]}]}`))
	if len(seen) != 1 || seen[0].Removed[0] != els[1] {
		t.Errorf("removed element lost its identity: %v", seen)
	}
	if got := b.trackedKeys(); !slices.Equal(got, []int{1, 2, 3, 4}) {
		t.Errorf("tracked after reports: %v", got)
	}

	page.mu.Lock()
	page.children = page.children[2:]
	page.mu.Unlock()
	again, err := b.QueryAll(body, "section[id]")
	if err != nil {
		t.Fatal(err)
	}
	if got := b.trackedKeys(); !slices.Equal(got, []int{1, 4}) {
		t.Errorf("tracked after second query: %v", got)
	}
	if len(again) != 1 || again[0] != els[2] {
		t.Errorf("surviving element changed wrapper: %v", again)
	}
	if _, err := b.QueryAll(body, "section"); err != nil {
		t.Errorf("pinned container dropped: %v", err)
	}
}
