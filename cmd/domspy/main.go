// CLAUDE:SUMMARY CLI entry point for domspy: watch pages in Chrome, replay scripted scroll sessions, or serve the MCP tools over stdio.
// Command domspy tracks which section of a page is the one being read.
//
// Usage:
//
//	domspy watch --config domspy.yaml
//	domspy watch --url https://example.com/docs --selector "h2[id]" --http :8090
//	domspy replay --html page.html --script session.yaml
//	domspy mcp --config domspy.yaml
//	domspy token
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/scrollspy/domspy"
	"github.com/hazyhaar/scrollspy/htmldoc"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "domspy:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "domspy",
		Short:        "domspy reports the element of a page the reader is looking at",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (default from config, else info)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format: json or text (default from config, else json)")

	root.AddCommand(newWatchCmd(g))
	root.AddCommand(newReplayCmd(g))
	root.AddCommand(newMCPCmd(g))
	root.AddCommand(newTokenCmd())
	return root
}

// logger builds the process logger. Flags win over the configuration; text
// output goes through charmbracelet/log.
func (g *globalFlags) logger(cfg *domspy.Config) (*slog.Logger, error) {
	levelName, format := g.logLevel, g.logFormat
	if cfg != nil {
		if levelName == "" {
			levelName = cfg.Log.Level
		}
		if format == "" {
			format = cfg.Log.Format
		}
	}
	if levelName == "" {
		levelName = "info"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", levelName, err)
	}

	switch format {
	case "", "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	case "text":
		clevel, err := charmlog.ParseLevel(strings.ToLower(levelName))
		if err != nil {
			return nil, err
		}
		return slog.New(charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05.00",
			Level:           clevel,
		})), nil
	default:
		return nil, fmt.Errorf("log format %q: want json or text", format)
	}
}

// --- watch ---

type watchFlags struct {
	config     string
	url        string
	container  string
	selector   string
	rootMargin string
	httpAddr   string
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	f := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Spy on live pages and stream active-element changes to the configured sinks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), g, f)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "path to domspy.yaml")
	cmd.Flags().StringVar(&f.url, "url", "", "spy on a single URL (stdout sink)")
	cmd.Flags().StringVar(&f.container, "container", "", "container selector for --url (default body)")
	cmd.Flags().StringVar(&f.selector, "selector", "", "candidate selector for --url (default section[id])")
	cmd.Flags().StringVar(&f.rootMargin, "root-margin", "", "root margin for --url, CSS syntax")
	cmd.Flags().StringVar(&f.httpAddr, "http", "", "serve the HTTP API on this address")
	return cmd
}

func loadConfig(path string) (*domspy.Config, error) {
	if path == "" {
		cfg := &domspy.Config{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	cfg, err := domspy.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runWatch(ctx context.Context, g *globalFlags, f *watchFlags) error {
	if f.config == "" && f.url == "" {
		return errors.New("watch needs --config or --url")
	}
	cfg, err := loadConfig(f.config)
	if err != nil {
		return err
	}
	if f.url != "" {
		cfg.Pages = append(cfg.Pages, domspy.PageConfig{
			URL:        f.url,
			Container:  f.container,
			Selector:   f.selector,
			RootMargin: f.rootMargin,
		})
		cfg.ApplyDefaults()
	}
	logger, err := g.logger(cfg)
	if err != nil {
		return err
	}

	s, closeStore, err := newSpier(cfg, logger, false)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer s.Stop()

	addr := f.httpAddr
	if addr == "" {
		addr = cfg.HTTP.Addr
	}
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("domspy: http listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("domspy: http server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("domspy: shutting down")
	return nil
}

// newSpier wires the store and the sinks described by cfg. Without stdout,
// stdout sinks are dropped (the MCP transport owns it).
func newSpier(cfg *domspy.Config, logger *slog.Logger, noStdout bool) (*domspy.Spier, func(), error) {
	var st *domspy.Store
	closeStore := func() {}
	if cfg.Store.Path != "" {
		var err error
		st, err = domspy.OpenStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		closeStore = func() { st.Close() }
	}

	if noStdout {
		kept := cfg.Sinks[:0]
		for _, sc := range cfg.Sinks {
			if sc.Type == "stdout" {
				logger.Warn("domspy: stdout sink disabled in mcp mode")
				continue
			}
			kept = append(kept, sc)
		}
		cfg.Sinks = kept
	}
	sinks, err := domspy.SinksFromConfig(cfg, st, logger)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	opts := []domspy.Option{domspy.WithSinks(sinks...)}
	if st != nil {
		opts = append(opts, domspy.WithStore(st))
	}
	return domspy.New(cfg, logger, opts...), closeStore, nil
}

// --- replay ---

type replayFlags struct {
	html     string
	script   string
	sanitize bool
}

func newReplayCmd(g *globalFlags) *cobra.Command {
	f := &replayFlags{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a scripted scroll session over a static HTML file and print the changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReplay(cmd.Context(), g, f)
		},
	}
	cmd.Flags().StringVar(&f.html, "html", "", "HTML file (required)")
	cmd.Flags().StringVar(&f.script, "script", "", "YAML replay script")
	cmd.Flags().BoolVar(&f.sanitize, "sanitize", false, "strip scripts and active attributes first")
	cmd.MarkFlagRequired("html")
	return cmd
}

func runReplay(ctx context.Context, g *globalFlags, f *replayFlags) error {
	logger, err := g.logger(nil)
	if err != nil {
		return err
	}

	file, err := os.Open(f.html)
	if err != nil {
		return err
	}
	defer file.Close()
	var opts []htmldoc.ParseOption
	if f.sanitize {
		opts = append(opts, htmldoc.WithSanitize())
	}
	doc, err := htmldoc.Parse(file, opts...)
	if err != nil {
		return err
	}

	sc := &domspy.Script{}
	if f.script != "" {
		data, err := os.ReadFile(f.script)
		if err != nil {
			return err
		}
		if sc, err = domspy.ParseScript(data); err != nil {
			return err
		}
	}

	evs, err := domspy.Replay(ctx, doc, sc, logger, domspy.NewStdoutSink(os.Stdout))
	logger.Info("domspy: replay done", "changes", len(evs))
	return err
}

// --- mcp ---

func newMCPCmd(g *globalFlags) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the domspy tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := g.logger(cfg)
			if err != nil {
				return err
			}

			s, closeStore, err := newSpier(cfg, logger, true)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := s.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			defer s.Stop()

			srv := mcp.NewServer(&mcp.Implementation{Name: "domspy", Version: version}, nil)
			s.RegisterMCP(srv)
			logger.Info("domspy: mcp serving on stdio")
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to domspy.yaml")
	return cmd
}

// --- token ---

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Generate an API bearer token and the hash to put in http.token_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, hash, err := domspy.NewAPIToken()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "token: %s\n", token)
			fmt.Fprintf(out, "http:\n  token_hash: %q\n", hash)
			return nil
		},
	}
}
