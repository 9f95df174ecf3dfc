// Command naofi-probe opens one provider+domain+endpoint, runs a
// loopback self-test through the naofi plugin surface, then serves
// Prometheus metrics and a debug route describing what it opened.
// Grounded on the teacher's cmd/rdma_exporter/main.go wiring shape:
// parse config, build a logger, start a collector-backed HTTP server,
// wait for a signal, shut down gracefully.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/na-ofi/naofi-go/completion"
	"github.com/na-ofi/naofi-go/domain"
	"github.com/na-ofi/naofi-go/endpoint"
	"github.com/na-ofi/naofi-go/fabric/simulated"
	"github.com/na-ofi/naofi-go/internal/config"
	"github.com/na-ofi/naofi-go/internal/server"
	"github.com/na-ofi/naofi-go/naofi"
	"github.com/na-ofi/naofi-go/opid"
	"github.com/na-ofi/naofi-go/provider"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		// flag package already printed the error to stderr.
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("naofi-probe v%s\ncommit: %s\nbuilt with: %s\n", version, commit, runtime.Version())
		os.Exit(0)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting naofi probe",
		"provider", cfg.Provider,
		"domain", cfg.DomainName,
		"listen_address", cfg.ListenAddress,
		"wait_mode", cfg.WaitMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
	provider.WarnIfVerbsUnavailable(ctx, logger, cfg.Provider)
	cancel()

	plugin, err := openPlugin(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize plugin", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := plugin.Finalize(); err != nil {
			logger.Error("failed to finalize plugin", "err", err)
		}
	}()

	probeCtx, probeCancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
	if err := runLoopbackSelfTest(probeCtx, plugin, cfg.WaitMode); err != nil {
		logger.Error("loopback self-test failed", "err", err)
		probeCancel()
		os.Exit(1)
	}
	probeCancel()
	logger.Info("loopback self-test succeeded")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		plugin.Engine.Metrics,
	)

	srv := server.New(server.Options{
		ListenAddress: cfg.ListenAddress,
		MetricsPath:   cfg.MetricsPath,
		HealthPath:    cfg.HealthPath,
		ProbeTimeout:  cfg.ProbeTimeout,
	}, registry, pluginState{plugin}, logger)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case serveErr := <-errCh:
		logger.Error("server exited with error", "err", serveErr)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// openPlugin wires a fabric, domain registry, and endpoint together
// behind naofi.Initialize. No cgo libfabric binding exists in this
// module, so every provider name resolves against the in-memory
// simulated backend; a future native binding would plug in here by
// swapping simulated.New for a real fabric.Fabric implementation
// without touching anything downstream of Initialize.
func openPlugin(cfg config.Config, logger *slog.Logger) (*naofi.Plugin, error) {
	world := simulated.NewWorld()
	fab := simulated.New(world, "naofi-probe")
	reg := domain.NewRegistry()

	wait, err := waitModeOf(cfg.WaitMode)
	if err != nil {
		return nil, err
	}

	opts := endpoint.Options{WantWait: wait}
	return naofi.Initialize(context.Background(), reg, fab, cfg.Provider, cfg.DomainName, opts, logger)
}

// runLoopbackSelfTest sends one expected-tagged message from the plugin's
// endpoint to itself and waits for it to complete, proving
// initialize/context_create/msg_send_expected/msg_recv_expected/progress
// all interoperate before the process starts serving traffic.
func runLoopbackSelfTest(ctx context.Context, p *naofi.Plugin, waitMode string) error {
	wait, err := waitModeOf(waitMode)
	if err != nil {
		return err
	}

	c, err := p.ContextCreate(ctx, 0, wait)
	if err != nil {
		return fmt.Errorf("context_create: %w", err)
	}
	defer func() { _ = p.ContextDestroy(c) }()

	self := p.AddrSelf()
	defer p.AddrFree(self)

	const selfTestTag = 1

	recvBuf := make([]byte, 4)
	recvDone := make(chan error, 1)
	recvOp := p.OpCreate()
	if _, err := p.MsgRecvExpected(ctx, c, recvOp, recvBuf, nil, selfTestTag, func(_ any, r opid.Result) {
		if r.Canceled() {
			recvDone <- fmt.Errorf("recv canceled")
			return
		}
		recvDone <- nil
	}, nil); err != nil {
		return fmt.Errorf("msg_recv_expected: %w", err)
	}

	sendBuf := []byte("ping")
	sendOp := p.OpCreate()
	if _, err := p.MsgSendExpected(ctx, c, sendOp, sendBuf, self, selfTestTag, nil, nil); err != nil {
		return fmt.Errorf("msg_send_expected: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := p.Progress(ctx, c, 200*time.Millisecond); err != nil {
			if !isTimeoutOK(err) {
				return fmt.Errorf("progress: %w", err)
			}
		}
		select {
		case err := <-recvDone:
			return err
		default:
		}
	}
	return fmt.Errorf("loopback self-test did not complete before deadline")
}

func isTimeoutOK(err error) bool {
	var nerr *naofi.Error
	return errors.As(err, &nerr) && nerr.Status == naofi.StatusTimeout
}

func waitModeOf(mode string) (provider.WaitMode, error) {
	switch mode {
	case "", "none":
		return provider.WaitNone, nil
	case "fd":
		return provider.WaitFD, nil
	case "set":
		return provider.WaitSet, nil
	default:
		return provider.WaitNone, fmt.Errorf("invalid wait mode %q", mode)
	}
}

// pluginState adapts *naofi.Plugin to server.PluginState for the debug
// route, without giving internal/server direct access to the plugin.
type pluginState struct{ p *naofi.Plugin }

func (s pluginState) Provider() string   { return s.p.Provider.Name }
func (s pluginState) DomainName() string { return s.p.Domain.Info.DomainName }
func (s pluginState) SelfAddress() string {
	addrStr, err := s.p.AddrToString(s.p.AddrSelf())
	if err != nil {
		return ""
	}
	return addrStr
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
