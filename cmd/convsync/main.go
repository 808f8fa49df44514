package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"convsync/cmd/internal/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

// flags shared by every subcommand.
type globalFlags struct {
	envFiles []string
	userID   string
	role     string
	logLevel string
	format   string

	cfg app.Config
	log app.Logger
	// appOpts are passed to every app.Run.
	appOpts []app.Option
}
