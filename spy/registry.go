package spy

import "math"

type state struct {
	position int
	ratio    float64
}

// Registry maps tracked elements to their visibility state and notifies
// subscribers after every successful mutation. It is not safe for
// concurrent use; Spy serialises access.
type Registry struct {
	states map[Element]*state
	order  []Element // discovery order

	subs   []*registrySub
	nextID int
}

type registrySub struct {
	id int
	fn func(*Registry)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[Element]*state)}
}

// Subscribe registers fn to run after each mutation. The returned function
// removes the subscription.
func (r *Registry) Subscribe(fn func(*Registry)) (unsubscribe func()) {
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, &registrySub{id: id, fn: fn})
	return func() {
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// Register replaces the whole content with elements. Each element gets its
// index as position and a ratio of 0. Duplicates keep their first position.
func (r *Registry) Register(elements []Element) {
	r.states = make(map[Element]*state, len(elements))
	r.order = r.order[:0]
	for _, el := range elements {
		if _, dup := r.states[el]; dup {
			continue
		}
		r.states[el] = &state{position: len(r.order)}
		r.order = append(r.order, el)
	}
	r.notify()
}

// UpdateRatio overwrites the ratio of a tracked element. Reports for
// elements that are not tracked (torn down in the meantime) are ignored and
// false is returned. Ratios are clamped to [0,1]; NaN is ignored.
func (r *Registry) UpdateRatio(el Element, ratio float64) bool {
	st, ok := r.states[el]
	if !ok || math.IsNaN(ratio) {
		return false
	}
	st.ratio = min(max(ratio, 0), 1)
	r.notify()
	return true
}

// Clear empties the registry.
func (r *Registry) Clear() {
	clear(r.states)
	r.order = r.order[:0]
	r.notify()
}

// Len returns the number of tracked elements.
func (r *Registry) Len() int { return len(r.order) }

// Has reports whether el is tracked.
func (r *Registry) Has(el Element) bool {
	_, ok := r.states[el]
	return ok
}

// Position returns the discovery position of el, or -1.
func (r *Registry) Position(el Element) int {
	if st, ok := r.states[el]; ok {
		return st.position
	}
	return -1
}

// Ratio returns the last ratio recorded for el.
func (r *Registry) Ratio(el Element) (float64, bool) {
	st, ok := r.states[el]
	if !ok {
		return 0, false
	}
	return st.ratio, true
}

// Elements returns the tracked elements in discovery order.
func (r *Registry) Elements() []Element {
	return append([]Element(nil), r.order...)
}

// Top returns the best ranked entry. ok is false on an empty registry.
func (r *Registry) Top() (top Entry, ok bool) {
	for _, el := range r.order {
		e := r.entry(el)
		if !ok || Compare(e, top) < 0 {
			top, ok = e, true
		}
	}
	return top, ok
}

// Ranked returns a snapshot of every entry, best first.
func (r *Registry) Ranked() []Entry {
	entries := make([]Entry, 0, len(r.order))
	for _, el := range r.order {
		entries = append(entries, r.entry(el))
	}
	Rank(entries)
	return entries
}

func (r *Registry) entry(el Element) Entry {
	st := r.states[el]
	return Entry{Element: el, Position: st.position, Ratio: st.ratio}
}

func (r *Registry) notify() {
	// Copy so a subscriber may unsubscribe while being notified.
	subs := append([]*registrySub(nil), r.subs...)
	for _, s := range subs {
		s.fn(r)
	}
}
