package htmldoc

import (
	"errors"
	"slices"

	"golang.org/x/net/html"

	"github.com/hazyhaar/scrollspy/spy"
)

var errDisconnected = errors.New("htmldoc: sensor disconnected")

// visibilitySensor emulates an IntersectionObserver: an entry on Observe,
// then one whenever the ratio moves across a threshold. Root margins have
// no effect without layout.
type visibilitySensor struct {
	doc          *Document
	thresholds   []float64
	fn           func([]spy.Intersection)
	last         map[*Element]int // threshold index last reported
	disconnected bool
}

// NewVisibilitySensor implements spy.Host.
func (d *Document) NewVisibilitySensor(opts spy.SensorOptions, fn func([]spy.Intersection)) (spy.VisibilitySensor, error) {
	th := slices.Clone(opts.Thresholds)
	if len(th) == 0 {
		th = []float64{0}
	}
	slices.Sort(th)
	vs := &visibilitySensor{
		doc:        d,
		thresholds: slices.Compact(th),
		fn:         fn,
		last:       make(map[*Element]int),
	}
	d.mu.Lock()
	d.visibility = append(d.visibility, vs)
	d.mu.Unlock()
	return vs, nil
}

func (vs *visibilitySensor) Observe(el spy.Element) error {
	e, err := vs.doc.own(el)
	if err != nil {
		return err
	}
	d := vs.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if vs.disconnected {
		return errDisconnected
	}
	if _, ok := vs.last[e]; ok {
		return nil
	}
	ratio := d.ratios[e]
	vs.last[e] = vs.index(ratio)
	vs.queueLocked(e, ratio)
	return nil
}

func (vs *visibilitySensor) Disconnect() error {
	d := vs.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	vs.disconnected = true
	clear(vs.last)
	d.visibility = slices.DeleteFunc(d.visibility, func(s *visibilitySensor) bool { return s == vs })
	return nil
}

// index is the number of thresholds at or below ratio.
func (vs *visibilitySensor) index(ratio float64) int {
	i, found := slices.BinarySearch(vs.thresholds, ratio)
	if found {
		return i + 1
	}
	return i
}

func (vs *visibilitySensor) queueLocked(e *Element, ratio float64) {
	entries := []spy.Intersection{{Element: e, Ratio: ratio}}
	vs.doc.enqueueLocked(func() {
		vs.doc.mu.Lock()
		live := !vs.disconnected
		vs.doc.mu.Unlock()
		if live {
			vs.fn(entries)
		}
	})
}

func (d *Document) setRatioLocked(e *Element, ratio float64) {
	d.ratios[e] = ratio
	for _, vs := range d.visibility {
		prev, ok := vs.last[e]
		if !ok {
			continue
		}
		if idx := vs.index(ratio); idx != prev {
			vs.last[e] = idx
			vs.queueLocked(e, ratio)
		}
	}
}

// mutationSensor emulates a MutationObserver with subtree and childList.
type mutationSensor struct {
	doc          *Document
	fn           func([]spy.MutationRecord)
	roots        []*Element
	disconnected bool
}

// NewMutationSensor implements spy.Host.
func (d *Document) NewMutationSensor(fn func([]spy.MutationRecord)) (spy.MutationSensor, error) {
	ms := &mutationSensor{doc: d, fn: fn}
	d.mu.Lock()
	d.mutation = append(d.mutation, ms)
	d.mu.Unlock()
	return ms, nil
}

func (ms *mutationSensor) Observe(root spy.Element) error {
	e, err := ms.doc.own(root)
	if err != nil {
		return err
	}
	d := ms.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if ms.disconnected {
		return errDisconnected
	}
	if !slices.Contains(ms.roots, e) {
		ms.roots = append(ms.roots, e)
	}
	return nil
}

func (ms *mutationSensor) Disconnect() error {
	d := ms.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	ms.disconnected = true
	ms.roots = nil
	d.mutation = slices.DeleteFunc(d.mutation, func(s *mutationSensor) bool { return s == ms })
	return nil
}

func (ms *mutationSensor) watches(parent *Element) bool {
	for _, r := range ms.roots {
		if r == parent || contains(r.node, parent.node) {
			return true
		}
	}
	return false
}

// recordLocked queues a child list record for every sensor observing parent.
func (d *Document) recordLocked(parent *html.Node, added, removed []*Element) {
	p := d.wrap(parent)
	rec := spy.MutationRecord{Added: toSpy(added), Removed: toSpy(removed)}
	for _, ms := range d.mutation {
		if !ms.watches(p) {
			continue
		}
		records := []spy.MutationRecord{rec}
		d.enqueueLocked(func() {
			d.mu.Lock()
			live := !ms.disconnected
			d.mu.Unlock()
			if live {
				ms.fn(records)
			}
		})
	}
}

func toSpy(els []*Element) []spy.Element {
	if len(els) == 0 {
		return nil
	}
	out := make([]spy.Element, len(els))
	for i, e := range els {
		out[i] = e
	}
	return out
}
