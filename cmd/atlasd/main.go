package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/brianfofficial/atlas/internal/app"
	"github.com/brianfofficial/atlas/internal/config"
)

const version = "1.0.0"

// Documented process exit codes.
const (
	exitConfig  = 2
	exitVault   = 3
	exitStorage = 4
)

func main() { os.Exit(run()) }

func run() int {
	configPath := flag.String("config", "atlas.yaml", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("atlasd v%s\n", version)
		return 0
	}

	// A .env beside the binary seeds ATLAS_* variables; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "atlasd: config:", err)
		return exitConfig
	}
	app.ConfigureLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("[atlasd] startup failed", "error", err)
		switch {
		case errors.Is(err, app.ErrVaultStartup):
			return exitVault
		case errors.Is(err, app.ErrStorageStartup):
			return exitStorage
		default:
			return 1
		}
	}

	slog.Info("[atlasd] listening", "version", version, "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver)
	if err := a.Run(ctx); err != nil {
		slog.Error("[atlasd] server failed", "error", err)
		return 1
	}
	slog.Info("[atlasd] bye")
	return 0
}
