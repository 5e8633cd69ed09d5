package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/floegence/sera-runtime/internal/config"
	"github.com/floegence/sera-runtime/internal/lockfile"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "check-config":
		checkConfigCmd(os.Args[2:])
	case "version":
		fmt.Printf("sera-runtime %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `sera-runtime

Usage:
  sera-runtime run [flags]
  sera-runtime check-config [flags]
  sera-runtime version

Commands:
  run           Serve the agent runtime over HTTP.
  check-config  Load config (file, .env and environment) and report validation errors.
  version       Print build information.

`)
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string) {
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path (missing file: defaults + environment)")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the environment overlay (missing file is ignored)")
	_ = fs.Parse(args)

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, *cfgPath
}

func checkConfigCmd(args []string) {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	cfg, path := loadConfig(fs, args)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config (%s): %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("config ok: provider=%s model=%s state=%s blobs=%s port=%d\n",
		cfg.AI.Provider, cfg.AI.Model, cfg.Storage.StateBackend, cfg.Storage.BlobBackend, cfg.Server.Port)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg, path := loadConfig(fs, args)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config (%s): %v\n", path, err)
		os.Exit(1)
	}

	log, err := newLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		os.Exit(1)
	}

	// One process per data dir: the SQLite stores and disk blobs are not shared.
	lk, err := lockfile.AcquireDir(cfg.Storage.DataDir)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			fmt.Fprintf(os.Stderr, "another sera-runtime is using %s: %v\n", cfg.Storage.DataDir, err)
		} else {
			fmt.Fprintf(os.Stderr, "failed to lock data dir: %v\n", err)
		}
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init runtime: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = app.Close() }()

	if err := app.gateway.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start gateway: %v\n", err)
		os.Exit(1)
	}
	log.Info("sera-runtime started",
		"version", Version,
		"url", app.gateway.URL(),
		"provider", cfg.AI.Provider,
		"model", cfg.AI.Model,
		"state_backend", cfg.Storage.StateBackend,
		"blob_backend", cfg.Storage.BlobBackend,
	)

	<-ctx.Done()
	log.Info("shutting down")
}
