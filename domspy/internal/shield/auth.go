package shield

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// NewToken returns a random bearer token and its bcrypt hash.
func NewToken() (token, hash string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("shield: token: %w", err)
	}
	token = hex.EncodeToString(raw)
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("shield: hash token: %w", err)
	}
	return token, string(h), nil
}

// Bearer requires "Authorization: Bearer <token>" where token matches the
// bcrypt hash. An empty hash disables the check. Accepted tokens are
// remembered by digest so bcrypt runs once per token.
func Bearer(hash string) func(http.Handler) http.Handler {
	var accepted sync.Map
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="domspy"`)
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			digest := sha256.Sum256([]byte(token))
			if _, ok := accepted.Load(digest); !ok {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
					Logger(r.Context()).Warn("shield: bad token", "remote_addr", r.RemoteAddr)
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				accepted.Store(digest, struct{}{})
			}
			next.ServeHTTP(w, r)
		})
	}
}
