// Package spy tracks which element of a container is the most visible and
// reports the identifier of that element every time the answer changes.
//
// It is the engine behind scroll-driven navigation highlighting. spy does
// not touch the DOM itself: a Host supplies the subtree query, a visibility
// sensor (intersection observer) and a structural change sensor (mutation
// observer). Two hosts ship with the module: htmldoc for static documents
// and domspy/internal/cdp for live Chrome pages.
//
//	s, err := spy.Attach(spy.Config{
//		Host:      doc,
//		Container: doc.Root(),
//		OnChange:  func(id string) { fmt.Println("active:", id) },
//	})
//	defer s.Detach()
package spy

// Element is an opaque handle on a DOM element. Implementations must be
// comparable (typically a pointer) and a Host must hand out the same value
// for the same node on every query.
type Element interface {
	// ID returns the element identifier, or "" when it has none.
	ID() string
	// Matches reports whether the element matches a CSS-like selector.
	Matches(selector string) bool
}

// Intersection is one visibility report: the fraction of el inside the
// observed viewport.
type Intersection struct {
	Element Element
	Ratio   float64
}

// MutationRecord lists the nodes directly added to or removed from a parent.
type MutationRecord struct {
	Added   []Element
	Removed []Element
}

// VisibilitySensor reports intersection ratios for observed elements.
// Disconnect stops observing every element at once; Spy builds a fresh
// sensor for each configuration.
type VisibilitySensor interface {
	Observe(el Element) error
	Disconnect() error
}

// MutationSensor reports structural changes (child list, whole subtree)
// under an observed root.
type MutationSensor interface {
	Observe(root Element) error
	Disconnect() error
}

// Host provides the DOM collaborators the engine relies on. Callbacks
// passed to the sensor constructors may run on any goroutine but must not
// be invoked synchronously from within Observe or Disconnect.
type Host interface {
	// QueryAll returns the descendants of container matching selector,
	// in document order.
	QueryAll(container Element, selector string) ([]Element, error)
	NewVisibilitySensor(opts SensorOptions, fn func([]Intersection)) (VisibilitySensor, error)
	NewMutationSensor(fn func([]MutationRecord)) (MutationSensor, error)
}
