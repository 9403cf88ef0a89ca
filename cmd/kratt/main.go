package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/okvist/kratt/internal/config"
	"github.com/okvist/kratt/internal/gateway"
	"github.com/okvist/kratt/internal/halt"
	"github.com/okvist/kratt/internal/observ"
	"github.com/okvist/kratt/internal/supervisor"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to config file")
		envPath    = flag.String("env", ".env", "path to env file with venue credentials")
		audit      = flag.Bool("audit", false, "probe every configured venue once and exit")
	)
	flag.Parse()

	if err := run(*configPath, *envPath, *audit); err != nil {
		fmt.Fprintln(os.Stderr, "kratt:", err)
		os.Exit(1)
	}
}

func run(configPath, envPath string, audit bool) error {
	// A missing env file is fine; credentials may come from the
	// environment directly.
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load env file: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := observ.Init(cfg.Debug); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer observ.Sync()
	observ.Log("starting", map[string]any{
		"live":   cfg.LiveMode,
		"venues": cfg.Authorized,
		"data":   cfg.DataDir,
		"audit":  audit,
	})

	reg := gateway.BuildRegistry(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if audit {
		failed := 0
		for _, c := range reg.All() {
			failed += gateway.Audit(ctx, c, cfg.QuoteCurrency, cfg.QuotaBTC, cfg.LiveMode)
		}
		if failed > 0 {
			return fmt.Errorf("audit: %d step(s) failed", failed)
		}
		return nil
	}

	halter := halt.New(cfg.HaltMarker)
	if halter.Halted() {
		observ.Warn("halt_marker_present", map[string]any{"path": cfg.HaltMarker})
		if err := halter.Clear(); err != nil {
			return fmt.Errorf("clear stale halt marker: %w", err)
		}
	}

	return supervisor.New(reg, halter, cfg).Run(ctx)
}
