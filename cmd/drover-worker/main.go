package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobmcallan/drover/internal/app"
	"github.com/bobmcallan/drover/internal/common"
	"github.com/bobmcallan/drover/internal/jobs"
	"github.com/bobmcallan/drover/internal/server"
	"github.com/bobmcallan/drover/internal/services/worker"
)

func main() {
	// Hidden child entry point: the supervisor re-executes this binary
	// with "exec" to run one trial in an isolated process.
	if len(os.Args) > 1 && os.Args[1] == "exec" {
		registry := jobs.NewRegistry()
		jobs.RegisterBuiltins(registry)
		os.Exit(worker.RunChild(registry, app.ChildStore))
	}

	a, err := app.NewApp("", true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize worker: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner(a.Config, a.Worker.Identifier(), a.Logger)

	// Worker control loop
	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := a.Worker.Start(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("Worker loop failed")
		}
	}()

	// Admin API
	srv := server.NewServer(a.Config, a.Logger, a.Store, a.Controller, a.Hub, a.Metrics)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			a.Logger.Fatal().Err(err).Msg("Admin API server failed")
		}
	}()

	a.Logger.Info().
		Str("url", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)).
		Str("worker", a.Worker.Identifier()).
		Msg("Worker ready")

	// Wait for interrupt, halt, or worker exit
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		a.Logger.Info().Msg("Shutdown signal received")
		a.Worker.RequestExit()
		cancel()
		<-workerDone
	case <-workerDone:
		// Halt marker or exit request ended the loop.
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("Admin API shutdown failed")
	}

	common.PrintShutdownBanner(a.Logger)
	a.Close()
}
