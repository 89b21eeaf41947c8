// Package main is the entry point for the flowkit plugin host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dshills/flowkit/internal/config"
	"github.com/dshills/flowkit/internal/logx"
	"github.com/dshills/flowkit/internal/plugin"
	"github.com/dshills/flowkit/internal/plugin/hook"
	"github.com/dshills/flowkit/internal/plugin/security"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// resourceCheckInterval is how often loaded plugins are sampled against
// their resource ceilings.
const resourceCheckInterval = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath, ok := parseFlags()
	if !ok {
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logx.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	perms := security.NewManager()
	sandbox := security.NewSandbox(perms)
	monitor := security.NewMonitor()
	hooks := hook.NewManager(sandbox, hook.WithDefaultTimeout(cfg.ManagerConfig().DefaultTimeout))
	manager := plugin.NewManager(cfg.ManagerConfig(), sandbox, hooks, monitor)

	if err := manager.LoadAll(ctx); err != nil {
		// Individual plugin failures should not take down the host.
		logx.Log.Warn().Err(err).Msg("some plugins failed to load")
	}
	defer func() {
		manager.Publish(ctx, hook.EventSystemShutdown, map[string]any{
			"time": time.Now().Format(time.RFC3339),
		})
		if err := manager.UnloadAll(ctx); err != nil {
			logx.Log.Warn().Err(err).Msg("shutdown unload incomplete")
		}
	}()

	if cfg.Plugins.Watch {
		watcher, err := plugin.NewWatcher(ctx, manager)
		if err != nil {
			logx.Log.Warn().Err(err).Msg("hot reload unavailable")
		} else {
			defer watcher.Close()
		}
	}

	manager.Publish(ctx, hook.EventSystemStartup, map[string]any{
		"version": version,
		"time":    time.Now().Format(time.RFC3339),
	})
	logx.Log.Info().Str("version", version).Int("plugins", len(manager.List())).
		Msg("flowkit host started")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(resourceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-signals:
			logx.Log.Info().Str("signal", sig.String()).Msg("shutting down")
			return 0
		case <-ticker.C:
			manager.CheckResources(ctx)
		}
	}
}

func parseFlags() (string, bool) {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Flowkit - extensible agent workflow host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: flowkit [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("Flowkit %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		return "", false
	}
	return configPath, true
}
