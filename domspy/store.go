package domspy

import "github.com/hazyhaar/scrollspy/domspy/internal/store"

// Store persists spied pages and the history of active-element changes.
type Store = store.Store

// OpenStore opens (or creates) the SQLite store at path.
func OpenStore(path string) (*Store, error) {
	return store.Open(path, store.WithMkdirAll())
}
