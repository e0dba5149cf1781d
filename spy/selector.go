package spy

// Selector derives the identifier of the top ranked element from a
// Registry and publishes it when it changes.
type Selector struct {
	current   string
	published bool

	listeners []func(id string)
	unsub     func()
}

// NewSelector subscribes a Selector to r. It computes nothing until r is
// mutated.
func NewSelector(r *Registry) *Selector {
	s := &Selector{}
	s.unsub = r.Subscribe(s.recompute)
	return s
}

// OnChange registers fn to receive each newly published identifier.
func (s *Selector) OnChange(fn func(id string)) {
	s.listeners = append(s.listeners, fn)
}

// Active returns the last published identifier.
func (s *Selector) Active() (string, bool) {
	return s.current, s.published
}

// Close detaches the selector from its registry and drops the listeners.
func (s *Selector) Close() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	s.listeners = nil
}

func (s *Selector) recompute(r *Registry) {
	top, ok := r.Top()
	if !ok {
		// Empty registry: nothing to rank, keep the last published value.
		return
	}
	id := top.Element.ID()
	if s.published && id == s.current {
		return
	}
	s.current, s.published = id, true
	for _, fn := range s.listeners {
		fn(id)
	}
}
