// CLAUDE:SUMMARY Writes active-element changes as JSON lines to an io.Writer (defaults to stdout).
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/scrollspy/domspy/change"
)

// Stdout prints one JSON line per change. Each line reaches the writer in
// a single Write so lines from concurrent pages never interleave.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdout creates a Stdout sink writing to w, or os.Stdout when w is nil.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{w: w}
}

func (s *Stdout) Send(_ context.Context, ev change.Event) error {
	line, err := json.Marshal(envelope{Type: envelopeType, Data: ev})
	if err != nil {
		return fmt.Errorf("stdout: marshal: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

func (s *Stdout) Close() error { return nil }
