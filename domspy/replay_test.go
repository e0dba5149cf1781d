package domspy

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/hazyhaar/scrollspy/domspy/change"
	"github.com/hazyhaar/scrollspy/htmldoc"
)

const script = `
page:
  id: guide
  container: "#content"
steps:
  - ratio: {y: 0.6}
  - append:
      html: '<section id="w"><h2>Appendix</h2></section>'
  - ratio: {w: 0.9, y: 0.2}
  - remove: w
  - options:
      selector: h2
`

func activeIDs(evs []change.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.ActiveID
	}
	return out
}

func TestReplay_Script(t *testing.T) {
	sc, err := ParseScript([]byte(script))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if len(sc.Steps) != 5 || sc.Steps[1].Append == nil || sc.Steps[3].Remove != "w" {
		t.Fatalf("parsed script: %+v", sc)
	}

	doc, _ := htmldoc.ParseString(guide)
	evs, err := Replay(context.Background(), doc, sc, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	// Each rebuild resets the ratios, so the first candidate wins until the
	// new sensor reports. Removing w first reports it at 0, handing over to
	// y before the rebuild. The h2 elements carry no id and are never
	// tracked, so the last step changes nothing.
	want := []string{"x", "y", "x", "y", "w", "y", "x", "y"}
	if got := activeIDs(evs); !slices.Equal(got, want) {
		t.Fatalf("active ids: got %v, want %v", got, want)
	}
	for i, ev := range evs {
		if ev.Seq != uint64(i+1) || ev.PageID != "guide" || ev.PageURL != ReplayURL {
			t.Errorf("event %d: got %+v", i, ev)
		}
	}
	if last := evs[len(evs)-1]; last.Generation != 3 {
		t.Errorf("last generation: got %d, want 3", last.Generation)
	}
}

func TestReplay_StepError(t *testing.T) {
	sc := &Script{
		Page: PageConfig{Container: "#content"},
		Steps: []Step{
			{Ratio: map[string]float64{"z": 1}},
			{Ratio: map[string]float64{"ghost": 1}},
		},
	}
	doc, _ := htmldoc.ParseString(guide)
	var out strings.Builder
	evs, err := Replay(context.Background(), doc, sc, nil, NewStdoutSink(&out))
	if err == nil || !strings.Contains(err.Error(), "step 2") {
		t.Fatalf("Replay: got %v, want step 2 error", err)
	}
	if got := activeIDs(evs); !slices.Equal(got, []string{"x", "z"}) {
		t.Errorf("events before the error: got %v", got)
	}
	if n := strings.Count(out.String(), `"type":"active"`); n != 2 {
		t.Errorf("stdout sink lines: got %d, want 2\n%s", n, out.String())
	}
}

func TestReplay_MissingContainer(t *testing.T) {
	doc, _ := htmldoc.ParseString(guide)
	if _, err := Replay(context.Background(), doc, &Script{Page: PageConfig{Container: "#nope"}}, nil); err == nil {
		t.Error("want error for missing container")
	}
}
