package domspy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/scrollspy/domspy/change"
	"github.com/hazyhaar/scrollspy/htmldoc"
	"github.com/hazyhaar/scrollspy/spy"
)

// ReplayURL is the URL given to a replayed document when the script names none.
const ReplayURL = "mem://replay"

// Script drives a spy over a static document, one step at a time.
type Script struct {
	Page  PageConfig `yaml:"page" json:"page"`
	Steps []Step     `yaml:"steps" json:"steps"`
}

// Step is one scripted input. Exactly one field is expected; when several
// are set they apply in the order Ratio, Append, Remove, Options.
type Step struct {
	// Ratio sets visibility ratios by element id, in id order.
	Ratio map[string]float64 `yaml:"ratio,omitempty" json:"ratio,omitempty"`
	// Append inserts an HTML fragment as the last children of Parent.
	Append *AppendStep `yaml:"append,omitempty" json:"append,omitempty"`
	// Remove detaches the element with this id.
	Remove string `yaml:"remove,omitempty" json:"remove,omitempty"`
	// Options replaces the spy options.
	Options *spy.Options `yaml:"options,omitempty" json:"options,omitempty"`
}

// AppendStep inserts markup under the element matched by Parent (the
// page container when empty).
type AppendStep struct {
	Parent string `yaml:"parent" json:"parent,omitempty"`
	HTML   string `yaml:"html" json:"html"`
}

// ParseScript decodes a YAML (or JSON) replay script.
func ParseScript(data []byte) (*Script, error) {
	var sc Script
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("domspy: parse script: %w", err)
	}
	return &sc, nil
}

// Replay attaches a spy to doc as described by script.Page, applies the
// steps and returns the change events in delivery order. Events are also
// sent to sinks.
func Replay(ctx context.Context, doc *htmldoc.Document, script *Script, logger *slog.Logger, sinks ...Sink) ([]change.Event, error) {
	if logger == nil {
		logger = slog.Default()
	}
	page := script.Page
	if page.URL == "" {
		page.URL = ReplayURL
	}
	page.ApplyDefaults()

	var (
		mu     sync.Mutex
		events []change.Event
	)
	collect := NewCallbackSink(func(_ context.Context, ev change.Event) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})

	opener := NewDocumentOpener()
	opener.Add(page.URL, doc)
	cfg := &Config{}
	cfg.ApplyDefaults()
	s := New(cfg, logger, WithOpener(opener), WithSinks(append([]Sink{collect}, sinks...)...))
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	if err := s.Watch(ctx, page); err != nil {
		s.Stop()
		return nil, err
	}
	doc.Flush()

	var stepErr error
	for i, st := range script.Steps {
		if err := ctx.Err(); err != nil {
			stepErr = err
			break
		}
		if err := applyStep(s, doc, page, st); err != nil {
			stepErr = fmt.Errorf("domspy: step %d: %w", i+1, err)
			break
		}
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	return events, stepErr
}

func applyStep(s *Spier, doc *htmldoc.Document, page PageConfig, st Step) error {
	for _, id := range slices.Sorted(maps.Keys(st.Ratio)) {
		el := doc.FindByID(id)
		if el == nil {
			return fmt.Errorf("ratio: no element %q", id)
		}
		if err := doc.SetRatio(el, st.Ratio[id]); err != nil {
			return err
		}
	}
	if st.Append != nil {
		sel := st.Append.Parent
		if sel == "" {
			sel = page.Container
		}
		parent := doc.Find(sel)
		if parent == nil {
			return fmt.Errorf("append: no element matches %q", sel)
		}
		if _, err := doc.Append(parent, st.Append.HTML); err != nil {
			return err
		}
	}
	if st.Remove != "" {
		el := doc.FindByID(st.Remove)
		if el == nil {
			return fmt.Errorf("remove: no element %q", st.Remove)
		}
		if err := doc.Remove(el); err != nil {
			return err
		}
	}
	if st.Options != nil {
		if err := s.Update(page.ID, *st.Options); err != nil {
			return err
		}
		doc.Flush()
	}
	return nil
}
