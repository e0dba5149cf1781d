// Package sink defines output backends for active-element changes.
package sink

import (
	"context"

	"github.com/hazyhaar/scrollspy/domspy/change"
)

// Sink is the output interface. Implementations deliver change events to
// different backends (stdout, webhook, redis, history table, in-process
// callback).
type Sink interface {
	Send(ctx context.Context, ev change.Event) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// envelopeType is the "type" of every envelope written by the sinks.
const envelopeType = "active"
