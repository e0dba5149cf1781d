// CLAUDE:SUMMARY Defines domspy config structs and parses YAML configuration files with defaults.
// Package config handles domspy configuration from YAML files.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level domspy configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser"`
	Pages   []PageConfig  `yaml:"pages"`
	Sinks   []SinkConfig  `yaml:"sinks"`
	Store   StoreConfig   `yaml:"store"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Headless         *bool         `yaml:"headless"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
	// Viewport size of every tab in CSS pixels (default 1280x800).
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
	// BlockPrivate refuses page URLs that resolve to private or loopback
	// addresses.
	BlockPrivate bool `yaml:"block_private"`
}

// IsHeadless reports the effective headless setting (default true).
func (b BrowserConfig) IsHeadless() bool {
	return b.Headless == nil || *b.Headless
}

// PageConfig defines a page to spy on.
type PageConfig struct {
	ID         string    `yaml:"id" json:"id"`
	URL        string    `yaml:"url" json:"url"`
	Container  string    `yaml:"container" json:"container,omitempty"`
	Selector   string    `yaml:"selector" json:"selector,omitempty"`
	RootMargin string    `yaml:"root_margin" json:"root_margin,omitempty"`
	Thresholds []float64 `yaml:"thresholds" json:"thresholds,omitempty"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type          string `yaml:"type"`           // stdout | webhook | redis | history
	URL           string `yaml:"url"`            // webhook
	Addr          string `yaml:"addr"`           // redis
	ChannelPrefix string `yaml:"channel_prefix"` // redis
	Retries       int    `yaml:"retries"`        // webhook
}

// StoreConfig locates the SQLite database. An empty path disables it.
type StoreConfig struct {
	Path           string        `yaml:"path"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
	ReloadDebounce time.Duration `yaml:"reload_debounce"`
}

// HTTPConfig enables the HTTP API when Addr is set.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// TokenHash is the bcrypt hash of the bearer token required on /api.
	// Empty leaves the API open.
	TokenHash string `yaml:"token_hash"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		c.Browser.ViewportWidth, c.Browser.ViewportHeight = 1280, 800
	}
	if c.Store.ReloadInterval <= 0 {
		c.Store.ReloadInterval = time.Second
	}
	if c.Store.ReloadDebounce <= 0 {
		c.Store.ReloadDebounce = 500 * time.Millisecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	for i := range c.Pages {
		c.Pages[i].ApplyDefaults()
	}
}

// ApplyDefaults fills the container and derives an id from the URL.
func (p *PageConfig) ApplyDefaults() {
	if p.Container == "" {
		p.Container = "body"
	}
	if p.ID == "" && p.URL != "" {
		p.ID = DefaultPageID(p.URL)
	}
}

// DefaultPageID derives a page id usable as a URL path segment: a slug of
// the host and path followed by a short hash of the full URL, e.g.
// "example-com-docs-3f2a9c1e".
func DefaultPageID(rawURL string) string {
	base := rawURL
	if u, err := url.Parse(rawURL); err == nil && (u.Host != "" || u.Opaque != "") {
		base = u.Host + u.Opaque + u.Path
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(base) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
		} else if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if len(slug) > 40 {
		slug = strings.TrimSuffix(slug[:40], "-")
	}
	sum := sha256.Sum256([]byte(rawURL))
	h := hex.EncodeToString(sum[:4])
	if slug == "" {
		return h
	}
	return slug + "-" + h
}

// Validate checks the cross-field rules.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Pages))
	for _, p := range c.Pages {
		if p.URL == "" {
			return fmt.Errorf("config: page %q: url is required", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate page id %q", p.ID)
		}
		seen[p.ID] = true
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout", "history":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sink %d: webhook needs url", i)
			}
		case "redis":
			if s.Addr == "" {
				return fmt.Errorf("config: sink %d: redis needs addr", i)
			}
		default:
			return fmt.Errorf("config: sink %d: unknown type %q", i, s.Type)
		}
		if s.Type == "history" && c.Store.Path == "" {
			return fmt.Errorf("config: sink %d: history needs store.path", i)
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: log format %q: want json or text", c.Log.Format)
	}
	return nil
}
