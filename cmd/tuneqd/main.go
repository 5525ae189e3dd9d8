package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tuneq/internal/app"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, configPath, app.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tuneqd: %v\n", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tuneqd: start: %v\n", err)
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Stop(sctx)
		cancel()
		os.Exit(1)
	}

	<-ctx.Done()
	stop()

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(sctx); err != nil {
		fmt.Fprintf(os.Stderr, "tuneqd: shutdown: %v\n", err)
		os.Exit(1)
	}
}
