package shield

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// TraceHeader carries the trace id of a request, both ways.
const TraceHeader = "X-Trace-ID"

type ctxKey struct{}

// Trace gives each request a trace id and a logger carrying it. A valid id
// sent by the client is kept so calls can be followed across services.
// Server errors are logged at warn level, everything else at debug.
func Trace(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(TraceHeader)
			if !validTraceID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(TraceHeader, id)

			l := logger.With("trace_id", id)
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKey{}, l)))

			level := slog.LevelDebug
			if rec.status >= 500 {
				level = slog.LevelWarn
			}
			l.Log(r.Context(), level, "shield: request",
				"method", r.Method, "path", r.URL.Path, "status", rec.status,
				"bytes", rec.bytes, "duration", time.Since(start))
		})
	}
}

// Logger returns the logger of the request, or slog.Default outside Trace.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func validTraceID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

type recorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *recorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recorder) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}
