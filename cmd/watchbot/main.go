package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"watchbot/internal/app"
	"watchbot/internal/bridge"
	"watchbot/internal/strategies"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The upstream bridge is deployment-specific; builds without one still
	// run the full lifecycle and fail polls as transient errors.
	a, err := app.New(cfgPath, bridge.Unavailable())
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Adding a strategy is New() + Register.
	if err := a.Engine().Register(
		strategies.NewKeyword(),
		strategies.NewMemberDiff(),
		strategies.NewNameWatch(),
		strategies.NewMedia(),
	); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}
