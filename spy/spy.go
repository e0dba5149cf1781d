package spy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Config for attaching a Spy to a container.
type Config struct {
	Host      Host
	Container Element
	Options   Options

	// OnChange receives the identifier of the newly active element. It is
	// called outside the spy lock, in order, from one goroutine at a time,
	// and may call Update or Detach.
	OnChange func(id string)

	Logger *slog.Logger
}

// Spy keeps a Registry in sync with the elements of a container and
// publishes the active element through Config.OnChange.
//
// All inputs (visibility reports, structural changes, Update, Detach) are
// serialised: each one is applied, re-ranked and possibly notified before
// the next one is looked at.
type Spy struct {
	mu        sync.Mutex
	host      Host
	container Element
	opts      Options
	logger    *slog.Logger

	registry   *Registry
	selector   *Selector
	visibility VisibilitySensor
	mutations  MutationSensor
	generation uint64
	rebuilds   uint64
	detached   bool

	onChange  func(string)
	pending   []string
	deliverMu sync.Mutex
}

// Attach validates the options, discovers the candidate elements of
// container, starts watching it for structural changes and returns the
// running Spy. The first notification fires as soon as a non-empty set of
// candidates has been registered.
func Attach(cfg Config) (*Spy, error) {
	if cfg.Host == nil || cfg.Container == nil {
		return nil, errors.New("spy: host and container are required")
	}
	opts := cfg.Options.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Spy{
		host:      cfg.Host,
		container: cfg.Container,
		opts:      opts,
		logger:    cfg.Logger,
		registry:  NewRegistry(),
		onChange:  cfg.OnChange,
	}
	s.selector = NewSelector(s.registry)
	s.selector.OnChange(s.enqueue)

	s.mu.Lock()
	if err := s.configure(); err != nil {
		s.abort()
		s.mu.Unlock()
		return nil, err
	}
	ms, err := s.host.NewMutationSensor(s.onMutation)
	if err != nil {
		s.abort()
		s.mu.Unlock()
		return nil, fmt.Errorf("spy: mutation sensor: %w", err)
	}
	if err := ms.Observe(s.container); err != nil {
		ms.Disconnect()
		s.abort()
		s.mu.Unlock()
		return nil, fmt.Errorf("spy: observe container: %w", err)
	}
	s.mutations = ms
	s.mu.Unlock()

	s.flush()
	return s, nil
}

// Update replaces the options and rebuilds the tracked set, even when the
// options are unchanged. It is a no-op once the spy is detached. When the
// rebuild fails the previous options are restored and rebuilt.
func (s *Spy) Update(opts Options) error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return nil
	}
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	prev := s.opts
	s.opts = opts
	err := s.rebuild()
	if err != nil {
		s.opts = prev
		if rerr := s.rebuild(); rerr != nil {
			s.logger.Warn("spy: restore previous options", "error", rerr)
		}
	}
	s.mu.Unlock()

	s.flush()
	return err
}

// Detach stops every sensor and drops all tracked elements. Calling it
// again does nothing.
//
// No notification is delivered once Detach has returned, with one
// exception: when Detach runs on another goroutine while OnChange is being
// invoked, that single in-flight call still completes. Detach called from
// OnChange itself, or from the goroutine that feeds the sensors, is exact.
func (s *Spy) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.detached = true
	if s.mutations != nil {
		if err := s.mutations.Disconnect(); err != nil {
			s.logger.Warn("spy: disconnect mutation sensor", "error", err)
		}
		s.mutations = nil
	}
	s.selector.Close()
	s.teardown()
	s.pending = nil
	s.logger.Debug("spy: detached", "generation", s.generation)
}

// Active returns the identifier of the active element. ok is false until
// a non-empty set of candidates has been registered.
func (s *Spy) Active() (id string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selector.Active()
}

// Ranking returns the tracked entries, most visible first.
func (s *Spy) Ranking() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Ranked()
}

// Options returns the options in effect.
func (s *Spy) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Normalize()
}

// Generation counts configurations; it grows by one on every rebuild.
func (s *Spy) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Rebuilds counts rebuilds triggered by Update or structural changes.
func (s *Spy) Rebuilds() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuilds
}

// Detached reports whether Detach has been called.
func (s *Spy) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// configure discovers the candidates and registers them. Callers hold mu.
func (s *Spy) configure() error {
	s.generation++
	gen := s.generation

	vs, err := s.host.NewVisibilitySensor(s.opts.sensorOptions(), func(entries []Intersection) {
		s.onIntersection(gen, entries)
	})
	if err != nil {
		return fmt.Errorf("spy: visibility sensor: %w", err)
	}
	s.visibility = vs

	found, err := s.host.QueryAll(s.container, s.opts.Selector)
	if err != nil {
		return fmt.Errorf("spy: query %q: %w", s.opts.Selector, err)
	}

	tracked := make([]Element, 0, len(found))
	for _, el := range found {
		// Without an id the element cannot be reported, however visible.
		if el.ID() == "" {
			continue
		}
		if err := vs.Observe(el); err != nil {
			return fmt.Errorf("spy: observe %q: %w", el.ID(), err)
		}
		tracked = append(tracked, el)
	}
	s.registry.Register(tracked)

	s.logger.Debug("spy: configured",
		"generation", gen,
		"selector", s.opts.Selector,
		"matched", len(found),
		"tracked", len(tracked))
	return nil
}

// teardown releases the visibility sensor and empties the registry.
// Callers hold mu.
func (s *Spy) teardown() {
	if s.visibility != nil {
		if err := s.visibility.Disconnect(); err != nil {
			s.logger.Warn("spy: disconnect visibility sensor", "error", err)
		}
		s.visibility = nil
	}
	s.registry.Clear()
}

func (s *Spy) rebuild() error {
	s.rebuilds++
	s.teardown()
	if err := s.configure(); err != nil {
		s.teardown()
		return err
	}
	return nil
}

// abort undoes a failed Attach. Callers hold mu.
func (s *Spy) abort() {
	s.detached = true
	s.selector.Close()
	s.teardown()
	s.pending = nil
}

func (s *Spy) onIntersection(gen uint64, entries []Intersection) {
	s.mu.Lock()
	if s.detached || gen != s.generation {
		// Report from a sensor that has been torn down.
		s.mu.Unlock()
		return
	}
	for _, e := range entries {
		s.registry.UpdateRatio(e.Element, e.Ratio)
	}
	s.mu.Unlock()

	s.flush()
}

func (s *Spy) onMutation(records []MutationRecord) {
	s.mu.Lock()
	if s.detached || !s.affected(records) {
		s.mu.Unlock()
		return
	}
	s.logger.Debug("spy: candidates changed, rebuilding", "generation", s.generation)
	if err := s.rebuild(); err != nil {
		s.logger.Warn("spy: rebuild after structural change", "error", err)
	}
	s.mu.Unlock()

	s.flush()
}

// affected reports whether any added or removed node is a candidate.
func (s *Spy) affected(records []MutationRecord) bool {
	for _, rec := range records {
		for _, el := range rec.Added {
			if el.Matches(s.opts.Selector) {
				return true
			}
		}
		for _, el := range rec.Removed {
			if el.Matches(s.opts.Selector) {
				return true
			}
		}
	}
	return false
}

// enqueue runs under mu, from the selector.
func (s *Spy) enqueue(id string) {
	s.pending = append(s.pending, id)
}

// flush delivers queued identifiers in order. Only one goroutine drains at
// a time; a re-entrant call from OnChange returns immediately and its
// identifiers are picked up by the loop already running.
func (s *Spy) flush() {
	for {
		if !s.deliverMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if s.detached || len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			id := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			if s.onChange != nil {
				s.onChange(id)
			}
		}
		s.deliverMu.Unlock()

		s.mu.Lock()
		more := !s.detached && len(s.pending) > 0
		s.mu.Unlock()
		if !more {
			return
		}
	}
}
