package domspy

import (
	"github.com/hazyhaar/scrollspy/domspy/internal/config"
	"github.com/hazyhaar/scrollspy/spy"
)

// Config is the top-level domspy configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig defines a page to spy on.
type PageConfig = config.PageConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// pageOptions extracts the spy options of a page.
func pageOptions(p PageConfig) spy.Options {
	return spy.Options{
		Selector:   p.Selector,
		RootMargin: p.RootMargin,
		Thresholds: p.Thresholds,
	}
}
