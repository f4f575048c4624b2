// Package run implements the coordinator's "run" and operational
// subcommands, wiring runtime.Server's subsystems to their network
// listeners and driving the signal-based startup/shutdown sequence the
// way cli/server/server.go drives the node's own.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/cli/options"
	"github.com/poa-network/coordinator/pkg/poa/adminapi"
	"github.com/poa-network/coordinator/pkg/poa/runtime"
)

// NewCommands returns the coordinator's top-level commands.
func NewCommands() []*cli.Command {
	cfgFlags := []cli.Flag{options.ConfigFile, options.Dev, options.Debug, options.ValidatorID}
	auditFlags := []cli.Flag{
		options.ConfigFile, options.Dev,
		&cli.UintFlag{Name: "limit", Aliases: []string{"l"}, Value: 100, Usage: "Maximum number of audit rows to dump"},
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (stdout if not given)"},
	}
	return []*cli.Command{
		{
			Name:      "run",
			Usage:     "Start the PoA coordination server",
			UsageText: "poa-coordinator run [--config-file file] [--dev] [-d] [--validator-id id]",
			Action:    runServer,
			Flags:     cfgFlags,
		},
		{
			Name:      "dump-audit",
			Usage:     "Dump up to --limit reward audit rows, in store order, as JSON",
			UsageText: "poa-coordinator dump-audit [-l limit] [-o file] [--config-file file] [--dev]",
			Action:    dumpAudit,
			Flags:     auditFlags,
		},
	}
}

func newGraceContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
		signal.Stop(stop)
	}()
	return ctx
}

func runServer(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	if ctx.Bool("debug") {
		cfg.Core.Logger.LogLevel = "debug"
	}

	validatorID := ctx.String("validator-id")
	srv, err := runtime.New(cfg, validatorID)
	if err != nil {
		return cli.Exit(err, 1)
	}
	log := srv.Log()

	admin := &http.Server{Addr: cfg.Core.AdminAPIAddress, Handler: adminapi.New(srv.Repository(), log)}
	agentSrv := &http.Server{Addr: cfg.Core.AgentChannelAddress, Handler: srv.AgentChannelHandler()}

	errChan := make(chan error, 3)
	go func() {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("admin API server: %w", err)
		}
	}()
	go func() {
		if err := agentSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("agent channel server: %w", err)
		}
	}()
	go func() {
		if err := srv.Run(ctx.Context); err != nil {
			errChan <- fmt.Errorf("runtime: %w", err)
		}
	}()

	log.Info("poa coordinator listening",
		zap.String("agentChannel", cfg.Core.AgentChannelAddress),
		zap.String("adminAPI", cfg.Core.AdminAPIAddress),
		zap.String("validatorID", validatorID))

	grace := newGraceContext()

	var shutdownErr error
	select {
	case err := <-errChan:
		log.Error("fatal subsystem error, shutting down", zap.Error(err))
		shutdownErr = err
	case <-grace.Done():
		log.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)
	_ = agentSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("runtime shutdown error", zap.Error(err))
	}

	if shutdownErr != nil {
		return cli.Exit(shutdownErr, 1)
	}
	return nil
}

func dumpAudit(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	srv, err := runtime.New(cfg, "dump-audit")
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer func() { _ = srv.Repository().Close() }()

	rows, err := srv.Repository().AuditRows(context.Background(), int(ctx.Uint("limit")))
	if err != nil {
		return cli.Exit(fmt.Errorf("dump-audit: %w", err), 1)
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return cli.Exit(fmt.Errorf("dump-audit: marshal: %w", err), 1)
	}

	if out := ctx.String("out"); out != "" {
		if err := os.WriteFile(out, data, 0644); err != nil {
			return cli.Exit(fmt.Errorf("dump-audit: write %s: %w", out, err), 1)
		}
		return nil
	}
	fmt.Fprintln(ctx.App.Writer, string(data))
	return nil
}
