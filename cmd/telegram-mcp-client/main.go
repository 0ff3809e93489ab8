// ABOUTME: Entry point for telegram-mcp-client.
// ABOUTME: Loads config, wires the orchestration core, and runs the Telegram bridge.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/sebakc/telegram-mcp-client/internal/background"
	"github.com/sebakc/telegram-mcp-client/internal/config"
	"github.com/sebakc/telegram-mcp-client/internal/openrouter"
	"github.com/sebakc/telegram-mcp-client/internal/orchestrator"
	"github.com/sebakc/telegram-mcp-client/internal/provider"
	"github.com/sebakc/telegram-mcp-client/internal/registry"
	"github.com/sebakc/telegram-mcp-client/internal/router"
	"github.com/sebakc/telegram-mcp-client/internal/session"
	"github.com/sebakc/telegram-mcp-client/internal/store"
	"github.com/sebakc/telegram-mcp-client/internal/telegram"
)

// version is set at build time.
var version = "dev"

// getConfigPath returns the path to the config file.
// Priority: TMC_CONFIG env var > XDG_CONFIG_HOME/telegram-mcp-client/config.yaml
// > ~/.config/telegram-mcp-client/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TMC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "telegram-mcp-client", "config.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("telegram-mcp-client starting", "version", version)

	// Capability registry and provider connections
	reg := registry.New(logger)
	providers := provider.NewManager(reg, logger)
	defer providers.DisconnectAll(context.Background())

	rt := router.New(reg, providers, logger)

	// Session store with its eviction sweeper
	sessionOpts := []session.Option{}
	if cfg.Session.MaxHistory > 0 {
		sessionOpts = append(sessionOpts, session.WithMaxHistory(cfg.Session.MaxHistory))
	}
	if cfg.Session.IdleTimeout > 0 {
		sessionOpts = append(sessionOpts, session.WithIdleTimeout(cfg.Session.IdleTimeout))
	}
	if cfg.Session.SweepInterval > 0 {
		sessionOpts = append(sessionOpts, session.WithSweepInterval(cfg.Session.SweepInterval))
	}
	sessions := session.NewStore(logger, sessionOpts...)
	defer sessions.Close()

	// Optional invocation audit log
	var audit *store.Store
	if cfg.Database.Path != "" {
		audit, err = store.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		defer audit.Close()
	}

	timeout := cfg.Backend.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	backend := openrouter.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, timeout, logger)

	// Background supervisor delivers through the bridge; wire it after the
	// bridge exists via the indirection below.
	delivery := &lateDelivery{}
	supOpts := []background.Option{
		background.WithArtifactDir(cfg.Background.ArtifactDir),
	}
	if cfg.Background.MaxAttempts > 0 {
		supOpts = append(supOpts, background.WithMaxAttempts(cfg.Background.MaxAttempts))
	}
	if cfg.Background.MaxConcurrent > 0 {
		supOpts = append(supOpts, background.WithMaxConcurrent(cfg.Background.MaxConcurrent))
	}
	if cfg.Background.GracePeriod > 0 {
		supOpts = append(supOpts, background.WithGracePeriod(cfg.Background.GracePeriod))
	}
	if audit != nil {
		supOpts = append(supOpts, background.WithRecorder(audit))
	}
	supervisor := background.New(rt, delivery, logger, supOpts...)
	defer supervisor.Wait()

	orchOpts := []orchestrator.Option{
		orchestrator.WithModel(cfg.Backend.Model),
		orchestrator.WithTemperature(cfg.Backend.Temperature),
		orchestrator.WithLongRunning(cfg.Background.LongRunning, supervisor),
	}
	if cfg.Backend.MaxSteps > 0 {
		orchOpts = append(orchOpts, orchestrator.WithMaxSteps(cfg.Backend.MaxSteps))
	}
	if audit != nil {
		orchOpts = append(orchOpts, orchestrator.WithRecorder(audit))
	}
	orch := orchestrator.New(sessions, reg, rt, backend, logger, orchOpts...)

	bridge, err := telegram.NewBridge(cfg, orch, providers, reg, sessions, logger)
	if err != nil {
		return fmt.Errorf("creating telegram bridge: %w", err)
	}
	delivery.set(bridge)

	// Auto-connect flagged providers once at startup
	for _, spec := range cfg.AutoConnectSpecs() {
		if err := providers.Connect(ctx, spec); err != nil {
			logger.Error("auto-connect failed", "provider_id", spec.ID, "error", err)
		}
	}

	return bridge.Run(ctx)
}

// lateDelivery forwards background outcomes to a target set after
// construction. The supervisor needs a Delivery before the bridge exists.
type lateDelivery struct {
	mu     sync.RWMutex
	target background.Delivery
}

func (d *lateDelivery) set(target background.Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = target
}

func (d *lateDelivery) Delivered(userID int64, message, artifactPath string) {
	d.mu.RLock()
	target := d.target
	d.mu.RUnlock()
	if target != nil {
		target.Delivered(userID, message, artifactPath)
	}
}

func (d *lateDelivery) Failed(userID int64, message string) {
	d.mu.RLock()
	target := d.target
	d.mu.RUnlock()
	if target != nil {
		target.Failed(userID, message)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
