package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tipline/config"
	"tipline/core/appbootstrap"
	"tipline/core/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logger := utils.NewLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := appbootstrap.Compose(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("bootstrap: %v", err)
		os.Exit(1)
	}
	defer app.DB.Close()

	if err := app.Runner.Start(); err != nil {
		logger.Errorf("start job runner: %v", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: app.Handler,
	}

	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("http server: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
	if err := app.Runner.StopWithContext(shutdownCtx); err != nil {
		logger.Errorf("job runner shutdown: %v", err)
	}
	logger.Printf("bye")
}
