package htmldoc_test

import (
	"slices"
	"testing"

	"github.com/hazyhaar/scrollspy/htmldoc"
	"github.com/hazyhaar/scrollspy/spy"
)

const article = `<body><main id="main">
<section id="x">A</section>
<section id="y">B</section>
<section id="z">C</section>
</main></body>`

func attach(t *testing.T, d *htmldoc.Document, opts spy.Options) (*spy.Spy, *[]string) {
	t.Helper()
	var got []string
	s, err := spy.Attach(spy.Config{
		Host:      d,
		Container: d.FindByID("main"),
		Options:   opts,
		OnChange:  func(id string) { got = append(got, id) },
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	d.Flush()
	t.Cleanup(s.Detach)
	return s, &got
}

func TestSpyOverDocument_Scenario(t *testing.T) {
	d, err := htmldoc.ParseString(article)
	if err != nil {
		t.Fatal(err)
	}
	s, got := attach(t, d, spy.Options{})
	oldY := d.FindByID("y")

	if !slices.Equal(*got, []string{"x"}) {
		t.Fatalf("initial: got %v, want [x]", *got)
	}

	d.SetRatio(oldY, 0.6)
	if !slices.Equal(*got, []string{"x", "y"}) {
		t.Fatalf("after y=0.6: got %v, want [x y]", *got)
	}
	d.SetRatio(oldY, 0.6)
	if len(*got) != 2 {
		t.Fatalf("unchanged ratio notified: %v", *got)
	}

	// A new candidate rebuilds the registry from zero; the new sensor then
	// reports y's 0.6 again.
	if _, err := d.Append(d.FindByID("main"), `<section id="w">D</section>`); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if s.Generation() != 2 {
		t.Fatalf("Generation: got %d, want 2", s.Generation())
	}
	if id, _ := s.Active(); id != "y" {
		t.Errorf("Active after rebuild: got %q, want y", id)
	}
	ranked := s.Ranking()
	if len(ranked) != 4 || ranked[len(ranked)-1].Element.ID() != "w" {
		t.Errorf("ranking after rebuild: %d entries", len(ranked))
	}

	s.Detach()
	d.SetRatio(d.FindByID("z"), 1)
	if want := []string{"x", "y", "x", "y"}; !slices.Equal(*got, want) {
		t.Errorf("notifications: got %v, want %v", *got, want)
	}
	n := len(*got)
	d.SetRatio(d.FindByID("x"), 1)
	if len(*got) != n {
		t.Errorf("notified after Detach: %v", *got)
	}
}

func TestSpyOverDocument_RemoveActive(t *testing.T) {
	d, err := htmldoc.ParseString(article)
	if err != nil {
		t.Fatal(err)
	}
	s, got := attach(t, d, spy.Options{})

	d.SetRatio(d.FindByID("z"), 0.9)
	d.SetRatio(d.FindByID("y"), 0.2)
	if err := d.Remove(d.FindByID("z")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if id, _ := s.Active(); id != "y" {
		t.Fatalf("Active: got %q, want y", id)
	}
	// z drops to 0 first, then the rebuild restarts from x.
	if want := []string{"x", "z", "y", "x", "y"}; !slices.Equal(*got, want) {
		t.Errorf("notifications: got %v, want %v", *got, want)
	}
}

func TestSpyOverDocument_UpdateSelector(t *testing.T) {
	d, err := htmldoc.ParseString(`<body><main id="main">
<h2 id="one">1</h2><section id="x">A</section><h2 id="two">2</h2>
</main></body>`)
	if err != nil {
		t.Fatal(err)
	}
	s, got := attach(t, d, spy.Options{})
	d.SetRatio(d.FindByID("two"), 1)

	if err := s.Update(spy.Options{Selector: "h2[id]"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	d.Flush()
	if id, _ := s.Active(); id != "two" {
		t.Errorf("Active: got %q, want two", id)
	}
	if want := []string{"x", "one", "two"}; !slices.Equal(*got, want) {
		t.Errorf("notifications: got %v, want %v", *got, want)
	}
}
