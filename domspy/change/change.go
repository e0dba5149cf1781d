// Package change defines the events emitted by domspy. Consumers import it
// to receive active-element transitions.
package change

import (
	"time"

	"github.com/google/uuid"
)

// Event is one transition of the active element on a page.
type Event struct {
	ID         string `json:"id"` // UUIDv7
	PageID     string `json:"page_id"`
	PageURL    string `json:"page_url"`
	ActiveID   string `json:"active_id"`
	PreviousID string `json:"previous_id,omitempty"` // "" on the first publication
	Seq        uint64 `json:"seq"`                   // monotonically increasing per page
	Generation uint64 `json:"generation"`            // spy configuration the change came from
	Timestamp  int64  `json:"timestamp"`             // epoch milliseconds
}

// Sequencer stamps events for a single page. It is not safe for concurrent
// use; each page owns one.
type Sequencer struct {
	pageID  string
	pageURL string
	seq     uint64
	last    string
}

// NewSequencer returns a Sequencer for the given page.
func NewSequencer(pageID, pageURL string) *Sequencer {
	return &Sequencer{pageID: pageID, pageURL: pageURL}
}

// Next builds the event for a transition to activeID.
func (s *Sequencer) Next(activeID string, generation uint64) Event {
	s.seq++
	ev := Event{
		ID:         uuid.Must(uuid.NewV7()).String(),
		PageID:     s.pageID,
		PageURL:    s.pageURL,
		ActiveID:   activeID,
		PreviousID: s.last,
		Seq:        s.seq,
		Generation: generation,
		Timestamp:  time.Now().UnixMilli(),
	}
	s.last = activeID
	return ev
}

// Seq returns the sequence number of the last event.
func (s *Sequencer) Seq() uint64 { return s.seq }
