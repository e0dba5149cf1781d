package spy

import (
	"errors"
	"testing"
)

func TestOptions_Normalize(t *testing.T) {
	o := Options{}.Normalize()
	if o.Selector != DefaultSelector {
		t.Errorf("Selector: got %q, want %q", o.Selector, DefaultSelector)
	}
	if o.RootMargin != DefaultRootMargin {
		t.Errorf("RootMargin: got %q, want %q", o.RootMargin, DefaultRootMargin)
	}
	if len(o.Thresholds) != 101 || o.Thresholds[0] != 0 || o.Thresholds[100] != 1 {
		t.Errorf("Thresholds: got %d steps [%v..%v]", len(o.Thresholds), o.Thresholds[0], o.Thresholds[len(o.Thresholds)-1])
	}

	custom := Options{Selector: "h2[id]", RootMargin: "-10px"}.Normalize()
	if custom.Selector != "h2[id]" || custom.RootMargin != "-10px" {
		t.Errorf("custom options overwritten: %+v", custom)
	}
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", Options{}, false},
		{"single zero", Options{RootMargin: "0"}, false},
		{"percent", Options{RootMargin: "-50% 0% -50% 0%"}, false},
		{"two values", Options{RootMargin: "10px 5.5px"}, false},
		{"five values", Options{RootMargin: "1px 1px 1px 1px 1px"}, true},
		{"em unit", Options{RootMargin: "1em"}, true},
		{"garbage", Options{RootMargin: "top"}, true},
		{"threshold above one", Options{Thresholds: []float64{0, 1.2}}, true},
		{"negative threshold", Options{Thresholds: []float64{-0.1}}, true},
		{"custom thresholds", Options{Thresholds: []float64{0, 0.5, 1}}, false},
		{"selector group", Options{Selector: "h2[id], h3[id]"}, false},
		{"unterminated attribute", Options{Selector: "section["}, true},
		{"dangling combinator", Options{Selector: "main >"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Normalize().Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate: got %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("error %v does not wrap ErrInvalidOptions", err)
			}
		})
	}
}
