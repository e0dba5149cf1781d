package domspy

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/scrollspy/domspy/change"
	"github.com/hazyhaar/scrollspy/domspy/internal/sink"
	"github.com/hazyhaar/scrollspy/domspy/internal/store"
)

// Sink is the output interface for active-element changes.
type Sink = sink.Sink

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, retries int, logger *slog.Logger) Sink {
	opts := []sink.WebhookOption{sink.WithWebhookLogger(logger)}
	if retries > 0 {
		opts = append(opts, sink.WithWebhookRetries(retries))
	}
	return sink.NewWebhook(url, opts...)
}

// NewCallbackSink creates an in-process callback sink.
func NewCallbackSink(fn func(ctx context.Context, ev change.Event) error) Sink {
	return sink.NewCallback(fn)
}

// SinksFromConfig builds the sinks listed in cfg. st is required by
// "history" sinks and may be nil otherwise.
func SinksFromConfig(cfg *Config, st *store.Store, logger *slog.Logger) ([]Sink, error) {
	var out []Sink
	for i, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			out = append(out, NewStdoutSink(nil))
		case "webhook":
			out = append(out, NewWebhookSink(sc.URL, sc.Retries, logger))
		case "redis":
			r, err := sink.NewRedis(sc.Addr, sc.ChannelPrefix)
			if err != nil {
				return nil, fmt.Errorf("domspy: sink %d: %w", i, err)
			}
			out = append(out, r)
		case "history":
			if st == nil {
				return nil, fmt.Errorf("domspy: sink %d: history sink needs a store", i)
			}
			out = append(out, sink.NewHistory(st))
		default:
			return nil, fmt.Errorf("domspy: sink %d: unknown type %q", i, sc.Type)
		}
	}
	return out, nil
}
