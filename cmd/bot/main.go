package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"remindbot/internal/app"
	"remindbot/internal/config"
)

func main() {
	var (
		cfgPath  string
		envFile  string
		logLevel string
	)
	pflag.StringVarP(&cfgPath, "config", "c", "", "path to config file (JSON or YAML); empty uses the environment only")
	pflag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (skipped when missing)")
	pflag.StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
	pflag.Parse()

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if logLevel != "" {
		// Env overrides survive config reloads.
		_ = os.Setenv(config.EnvLogLevel, logLevel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: cfgPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	signal.Stop(sigCh)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
