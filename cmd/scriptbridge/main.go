// Command scriptbridge runs the sandbox server, or evaluates a single script
// against an embedded or remote sandbox.
//
// Serve mode (default) exposes sandboxes over websocket on /bridge:
//
//	scriptbridge
//
// One-shot mode evaluates a script and prints the result as JSON:
//
//	scriptbridge -eval '1 + 2'
//	scriptbridge -eval 'x || 0' -connect ws://localhost:8090/bridge
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ScriptBridge/internal/bridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/bridge/local"
	"github.com/GriffinCanCode/ScriptBridge/internal/bridge/wsbridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/config"
	"github.com/GriffinCanCode/ScriptBridge/internal/host"
	"github.com/GriffinCanCode/ScriptBridge/internal/logging"
	"github.com/GriffinCanCode/ScriptBridge/internal/monitoring"
	"github.com/GriffinCanCode/ScriptBridge/internal/sandbox"
	"github.com/GriffinCanCode/ScriptBridge/internal/server"
)

func main() {
	evalScript := flag.String("eval", "", "Evaluate a script, print the result and exit")
	connectURL := flag.String("connect", "", "Bridge endpoint for -eval (default: embedded sandbox)")
	port := flag.String("port", "", "Server port (overrides PORT)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log configuration: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if *evalScript != "" {
		if err := runEval(cfg, log, *evalScript, *connectURL); err != nil {
			fmt.Fprintf(os.Stderr, "eval failed: %v\n", err)
			os.Exit(1)
		}
		return
	}
	runServe(cfg, log)
}

func runServe(cfg *config.Config, log *logging.Logger) {
	srv := server.New(cfg, log, monitoring.NewMetrics())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("shutdown failed", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}
}

func runEval(cfg *config.Config, log *logging.Logger, script, connectURL string) error {
	var factory bridge.Factory
	var cleanup func()

	if connectURL != "" {
		factory = func() (bridge.Bridge, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return wsbridge.Dial(ctx, connectURL, log)
		}
	} else {
		sb := sandbox.New(sandbox.Options{
			Logger:      log,
			ExecTimeout: cfg.Sandbox.ExecTimeout,
		})
		cleanup = func() { _ = sb.Dispose() }
		factory = func() (bridge.Bridge, error) {
			pair := local.NewPair()
			sb.Attach(pair.SandboxSide)
			return pair.HostSide, nil
		}
	}
	if cleanup != nil {
		defer cleanup()
	}

	h := host.New(host.Options{
		Factory:     factory,
		Logger:      log,
		InitTimeout: cfg.Host.InitTimeout,
		EvalTimeout: cfg.Host.EvalTimeout,
	})
	defer h.Dispose() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Host.EvalTimeout+cfg.Host.InitTimeout)
	defer cancel()
	result, err := h.Eval(ctx, script, host.EvalOptions{})
	if err != nil {
		return err
	}

	out, err := sonic.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
