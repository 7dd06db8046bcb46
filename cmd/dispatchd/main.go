// Command dispatchd runs the webhook-driven task dispatcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/izavyalov-dev/dispatchd/dispatch"
	"github.com/izavyalov-dev/dispatchd/ingress"
	"github.com/izavyalov-dev/dispatchd/internal/config"
	"github.com/izavyalov-dev/dispatchd/internal/observability"
)

const envConfigKey = "DEPLOYER_CONFIG"
const legacyEnvConfigKey = "HOOKSHOT_CONFIG"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := observability.NewLogger("dispatchd")

	fs := flag.NewFlagSet("dispatchd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the dispatcher configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := *configPath
	if path == "" {
		path = os.Getenv(envConfigKey)
	}
	if path == "" {
		path = os.Getenv(legacyEnvConfigKey)
	}
	if path == "" {
		logger.Error("missing configuration path", "hint", "pass --config or set DEPLOYER_CONFIG")
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("could not load configuration", "error", err)
		return 1
	}

	metrics := observability.NewMetrics(nil)
	service := dispatch.New(cfg, metrics, observability.NewLogger("dispatch"))
	server := ingress.NewServer(cfg.Secret, service, metrics, observability.NewLogger("ingress"))

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // log streaming responses can run long
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("could not bind listener", "addr", addr, "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatcher listening", "addr", addr)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		service.Shutdown()
		if err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		logger.Error("server error", "error", err)
		return 1
	}
}
