// Package main is the entry point for the closely notification relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/SpriteOvO/closely-go/internal/buildinfo"
	"github.com/SpriteOvO/closely-go/internal/config"
	"github.com/SpriteOvO/closely-go/internal/defaults"
	"github.com/SpriteOvO/closely-go/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "run":
		runServe(logger, *configPath)
	case "init":
		runInit(logger, flag.Args()[1:])
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("closely - multi-source notification relay")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       Start polling subscriptions and dispatching notifications")
	fmt.Println("  init      Write an example config.yaml to the current directory")
	fmt.Println("  version   Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runInit(logger *slog.Logger, args []string) {
	dest := "config.yaml"
	if len(args) > 0 {
		dest = args[0]
	}

	if _, err := os.Stat(dest); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists, not overwriting\n", dest)
		os.Exit(1)
	}

	if err := os.WriteFile(dest, defaults.ConfigYAML, 0o644); err != nil {
		logger.Error("failed to write config", "path", dest, "error", err)
		os.Exit(1)
	}
	fmt.Printf("wrote example config to %s\n", dest)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting closely", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "interval", cfg.Interval.Duration, "subscription_groups", len(cfg.Subscribes))

	super, err := supervisor.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build supervisor", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := super.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("supervisor failed", "error", err)
		os.Exit(1)
	}
	logger.Info("closely stopped")
}
