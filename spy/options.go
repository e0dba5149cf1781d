package spy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
)

const (
	// DefaultSelector matches sections that carry an id.
	DefaultSelector = "section[id]"
	// DefaultRootMargin leaves the observed viewport untouched.
	DefaultRootMargin = "0px 0px 0px 0px"
)

// ErrInvalidOptions is returned by Attach and Update when options fail validation.
var ErrInvalidOptions = errors.New("spy: invalid options")

// Options configures which elements are spied on and how visibility is sampled.
type Options struct {
	// Selector matches the candidate elements inside the container.
	// Default: "section[id]".
	Selector string `json:"selector" yaml:"selector"`

	// RootMargin grows or shrinks the observed viewport, CSS margin syntax.
	// Default: "0px 0px 0px 0px".
	RootMargin string `json:"root_margin" yaml:"root_margin"`

	// Thresholds are the ratios at which the visibility sensor reports.
	// Default: 101 steps from 0.00 to 1.00.
	Thresholds []float64 `json:"thresholds,omitempty" yaml:"thresholds"`
}

// DefaultThresholds returns the ratios 0.00, 0.01, ..., 1.00.
func DefaultThresholds() []float64 {
	t := make([]float64, 101)
	for i := range t {
		t[i] = float64(i) / 100
	}
	return t
}

// Normalize returns a copy of o with empty fields set to their defaults.
func (o Options) Normalize() Options {
	if strings.TrimSpace(o.Selector) == "" {
		o.Selector = DefaultSelector
	}
	if strings.TrimSpace(o.RootMargin) == "" {
		o.RootMargin = DefaultRootMargin
	}
	if len(o.Thresholds) == 0 {
		o.Thresholds = DefaultThresholds()
	} else {
		o.Thresholds = append([]float64(nil), o.Thresholds...)
	}
	return o
}

var marginToken = regexp.MustCompile(`^-?(\d+(\.\d+)?|\.\d+)(px|%)$`)

// Validate reports whether o can be handed to a visibility sensor.
// Call it on normalised options.
func (o Options) Validate() error {
	if _, err := cascadia.ParseGroup(o.Selector); err != nil {
		return fmt.Errorf("%w: selector %q: %v", ErrInvalidOptions, o.Selector, err)
	}
	fields := strings.Fields(o.RootMargin)
	if len(fields) < 1 || len(fields) > 4 {
		return fmt.Errorf("%w: root margin %q must have 1 to 4 lengths", ErrInvalidOptions, o.RootMargin)
	}
	for _, f := range fields {
		if f != "0" && !marginToken.MatchString(f) {
			return fmt.Errorf("%w: root margin %q: %q is not a px or %% length", ErrInvalidOptions, o.RootMargin, f)
		}
	}
	for _, t := range o.Thresholds {
		if t < 0 || t > 1 || t != t {
			return fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidOptions, t)
		}
	}
	return nil
}

// SensorOptions is what a Host needs to build a visibility sensor.
type SensorOptions struct {
	RootMargin string
	Thresholds []float64
}

func (o Options) sensorOptions() SensorOptions {
	return SensorOptions{
		RootMargin: o.RootMargin,
		Thresholds: append([]float64(nil), o.Thresholds...),
	}
}
