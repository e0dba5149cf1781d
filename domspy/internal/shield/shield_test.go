package shield

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func echo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(ctxKey{}).(*slog.Logger); !ok {
			http.Error(w, "no request logger", 500)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		w.Write(body)
	})
}

func chain(h http.Handler) http.Handler {
	stack := Stack(nil)
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}
	return h
}

func TestStack_Headers(t *testing.T) {
	rec := httptest.NewRecorder()
	chain(echo()).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/pages", nil))

	if rec.Code != 200 {
		t.Fatalf("status: got %d", rec.Code)
	}
	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
	if id := rec.Header().Get(TraceHeader); len(id) != 36 {
		t.Errorf("generated trace id: got %q", id)
	}
}

func TestTrace_KeepsClientID(t *testing.T) {
	tests := []struct {
		sent string
		keep bool
	}{
		{"req-42.a_b", true},
		{"has space", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set(TraceHeader, tt.sent)
		rec := httptest.NewRecorder()
		chain(echo()).ServeHTTP(rec, req)
		if got := rec.Header().Get(TraceHeader) == tt.sent; got != tt.keep {
			t.Errorf("trace id %q: kept=%v, want %v", tt.sent, got, tt.keep)
		}
	}
}

func TestJSONBody(t *testing.T) {
	tests := []struct {
		name string
		ct   string
		body string
		want int
	}{
		{"json", "application/json; charset=utf-8", `{}`, 200},
		{"no content type", "", `{}`, 200},
		{"form", "application/x-www-form-urlencoded", "a=b", 415},
		{"too large", "application/json", strings.Repeat("x", DefaultMaxBody+1), 413},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("POST", "/api/v1/pages", strings.NewReader(tt.body))
		if tt.ct != "" {
			req.Header.Set("Content-Type", tt.ct)
		}
		rec := httptest.NewRecorder()
		chain(echo()).ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestJSONBody_UnknownLength(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/pages", strings.NewReader(strings.Repeat("x", DefaultMaxBody+1)))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	chain(echo()).ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Errorf("unbounded body: got %d, want 400", rec.Code)
	}
}

func TestBearer(t *testing.T) {
	token, hash, err := NewToken()
	if err != nil {
		t.Fatal(err)
	}
	h := chain(Bearer(hash)(echo()))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", 401},
		{"wrong scheme", "Basic " + token, 401},
		{"wrong token", "Bearer nope", 401},
		{"valid", "Bearer " + token, 200},
		{"valid again", "Bearer " + token, 200},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/api/v1/pages", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s: got %d, want %d", tt.name, rec.Code, tt.want)
		}
	}

	rec := httptest.NewRecorder()
	chain(Bearer("")(echo())).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/pages", nil))
	if rec.Code != 200 {
		t.Errorf("open API: got %d", rec.Code)
	}
}
