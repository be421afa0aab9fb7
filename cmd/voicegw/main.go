package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/voicegw/internal/dotenv"
	"github.com/vango-go/voicegw/pkg/gateway/config"
	gatewayserver "github.com/vango-go/voicegw/pkg/gateway/server"
	"github.com/vango-go/voicegw/pkg/gateway/telemetry"
)

var version = "dev"

type gatewayDeps struct {
	loadConfig    func() (config.Config, error)
	newGateway    func(context.Context, config.Config, *slog.Logger, gatewayserver.Options) (*gatewayserver.Server, error)
	setupTracing  func(context.Context, config.Config, string, *slog.Logger) (func(context.Context) error, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
	listenAndServ func(*http.Server) error
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:   config.LoadFromEnv,
		newGateway:   gatewayserver.New,
		setupTracing: telemetry.SetupTracing,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop:    signal.Stop,
		listenAndServ: (*http.Server).ListenAndServe,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(w io.Writer, format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func runGateway(ctx context.Context, cfg config.Config, logger *slog.Logger, deps gatewayDeps) error {
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if deps.listenAndServ == nil {
		deps.listenAndServ = (*http.Server).ListenAndServe
	}

	if deps.setupTracing != nil {
		shutdownTracing, err := deps.setupTracing(ctx, cfg, version, logger)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	gw, err := deps.newGateway(ctx, cfg, logger, gatewayserver.Options{})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("gateway close failed", "error", err)
		}
	}()

	httpSrv := buildHTTPServer(cfg, gw.Handler())
	logger.Info("starting gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "version", version)

	listenErrCh := make(chan error, 1)
	go func() {
		err := deps.listenAndServ(httpSrv)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	notified := gw.NotifyLiveSessions()
	logger.Info("draining live connections", "connections", notified)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		canceled := gw.CancelLiveSessions()
		logger.Warn("grace period elapsed, canceled live connections", "connections", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if deps.loadConfig == nil {
		fmt.Fprintln(stderr, "voicegw: missing loadConfig dependency")
		return 1
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicegw: %v\n", err)
		return 1
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "voicegw: load config: %v\n", err)
		return 1
	}
	logger := newLogger(stderr, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := runGateway(ctx, cfg, logger, deps); err != nil {
		logger.Error("gateway failed", "error", err)
		fmt.Fprintf(stderr, "voicegw: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
