package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/scrollspy/domspy"
)

func TestLogger_FlagsOverrideConfig(t *testing.T) {
	cfg := &domspy.Config{}
	cfg.ApplyDefaults()
	cfg.Log.Level = "warn"

	g := &globalFlags{}
	l, err := g.logger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if l.Enabled(context.Background(), -4) {
		t.Error("config level warn: debug enabled")
	}

	g = &globalFlags{logLevel: "debug", logFormat: "text"}
	l, err = g.logger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !l.Enabled(context.Background(), -4) {
		t.Error("--log-level debug: debug disabled")
	}

	if _, err := (&globalFlags{logFormat: "xml"}).logger(nil); err == nil {
		t.Error("unknown format: want error")
	}
	if _, err := (&globalFlags{logLevel: "loud"}).logger(nil); err == nil {
		t.Error("unknown level: want error")
	}
}

func TestReplayCommand(t *testing.T) {
	dir := t.TempDir()
	html := filepath.Join(dir, "page.html")
	script := filepath.Join(dir, "session.yaml")
	os.WriteFile(html, []byte(`<body><section id="a"></section><section id="b"></section></body>`), 0o644)
	os.WriteFile(script, []byte("steps:\n  - ratio: {b: 1}\n"), 0o644)

	root := newRootCmd()
	root.SetArgs([]string{"replay", "--html", html, "--script", script, "--log-level", "error"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	root = newRootCmd()
	root.SetArgs([]string{"replay", "--html", html, "--script", filepath.Join(dir, "missing.yaml")})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Error("missing script: want error")
	}
}

func TestWatchCommand_NeedsInput(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"watch"})
	err := root.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "--config or --url") {
		t.Errorf("watch without input: got %v", err)
	}
}

func TestTokenCommand(t *testing.T) {
	var out strings.Builder
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "token_hash: \"$2a$") {
		t.Errorf("token output: %q", out.String())
	}
}
