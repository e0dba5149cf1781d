package domspy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/scrollspy/domspy/internal/shield"
	"github.com/hazyhaar/scrollspy/domspy/internal/store"
	"github.com/hazyhaar/scrollspy/domspy/internal/urlguard"
	"github.com/hazyhaar/scrollspy/spy"
)

// Handler returns the HTTP API:
//
//	GET    /health
//	GET    /api/v1/pages
//	POST   /api/v1/pages
//	GET    /api/v1/pages/{id}
//	DELETE /api/v1/pages/{id}
//	PUT    /api/v1/pages/{id}/options
//	GET    /api/v1/pages/{id}/section
//	GET    /api/v1/pages/{id}/history?limit=N
//
// Page changes are persisted when the Spier has a store. With
// http.token_hash set, /api routes need the matching bearer token.
func (s *Spier) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, middleware.GetHead)
	r.Use(shield.Stack(s.logger)...)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{"status": "ok", "pages": len(s.Pages())})
	})

	r.Route("/api/v1/pages", func(r chi.Router) {
		r.Use(shield.Bearer(s.cfg.HTTP.TokenHash))

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, s.Pages())
		})

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var page PageConfig
			if err := json.NewDecoder(r.Body).Decode(&page); err != nil {
				writeError(w, r, 400, err)
				return
			}
			page.ApplyDefaults()
			if err := s.Watch(r.Context(), page); err != nil {
				writeError(w, r, statusOf(err), err)
				return
			}
			if err := s.persist(r, page.ID); err != nil {
				s.Unwatch(page.ID)
				writeError(w, r, 500, err)
				return
			}
			st, _ := s.Page(page.ID)
			writeJSON(w, 201, st)
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			st, err := s.Page(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, r, statusOf(err), err)
				return
			}
			writeJSON(w, 200, st)
		})

		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			if err := s.Unwatch(id); err != nil {
				writeError(w, r, statusOf(err), err)
				return
			}
			if s.store != nil {
				if err := s.store.DeletePage(r.Context(), id); err != nil {
					writeError(w, r, 500, err)
					return
				}
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})

		r.Put("/{id}/options", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			var opts spy.Options
			if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
				writeError(w, r, 400, err)
				return
			}
			if err := s.Update(id, opts); err != nil {
				writeError(w, r, statusOf(err), err)
				return
			}
			if err := s.persist(r, id); err != nil {
				writeError(w, r, 500, err)
				return
			}
			st, _ := s.Page(id)
			writeJSON(w, 200, st)
		})

		r.Get("/{id}/section", func(w http.ResponseWriter, r *http.Request) {
			sec, err := s.Section(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, r, statusOf(err), err)
				return
			}
			writeJSON(w, 200, sec)
		})

		r.Get("/{id}/history", func(w http.ResponseWriter, r *http.Request) {
			if s.store == nil {
				writeError(w, r, 501, errors.New("domspy: history needs a store"))
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			changes, err := s.store.ListChanges(r.Context(), chi.URLParam(r, "id"), limit)
			if err != nil {
				writeError(w, r, 500, err)
				return
			}
			writeJSON(w, 200, changes)
		})
	})

	return r
}

// persist writes the current configuration of a page to the store.
func (s *Spier) persist(r *http.Request, pageID string) error {
	if s.store == nil {
		return nil
	}
	st, err := s.Page(pageID)
	if err != nil {
		return err
	}
	return s.store.UpsertPage(r.Context(), store.Page{
		ID:         st.ID,
		URL:        st.URL,
		Container:  st.Container,
		Selector:   st.Selector,
		RootMargin: st.RootMargin,
	})
}

// NewAPIToken returns a random bearer token for the HTTP API and the
// bcrypt hash to store in http.token_hash.
func NewAPIToken() (token, hash string, err error) {
	return shield.NewToken()
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownPage), errors.Is(err, ErrNoActive):
		return 404
	case errors.Is(err, ErrPageExists):
		return 409
	case errors.Is(err, spy.ErrInvalidOptions), errors.Is(err, ErrInvalidPage),
		errors.Is(err, urlguard.ErrPrivate), errors.Is(err, urlguard.ErrScheme):
		return 400
	case errors.Is(err, ErrStopped):
		return 503
	case errors.Is(err, ErrNoContent):
		return 501
	default:
		return 502
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= 500 {
		shield.Logger(r.Context()).Error("domspy: api", "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
