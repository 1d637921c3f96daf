package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/livescribe/pkg/livescribe"
	"github.com/harunnryd/livescribe/pkg/runner"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := livescribe.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "error", err.Error())
		os.Exit(1)
	}

	engine, err := livescribe.NewEngine(cfg)
	if err != nil {
		slog.Error("engine_build_failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lc := runner.NewLifecycleRunner(runner.DrainerFunc(engine.Drain), runner.Hooks{
		OnStart: func() {
			if err := engine.Start(ctx); err != nil {
				slog.Error("engine_start_failed", "error", err.Error())
				stop()
			}
		},
	}, 15*time.Second)

	if err := lc.Run(ctx); err != nil {
		slog.Error("shutdown_error", "error", err.Error())
		os.Exit(1)
	}
}
