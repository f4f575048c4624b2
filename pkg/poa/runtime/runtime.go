// Package runtime wires the PoA coordination server's subsystems
// together and drives its startup and graceful-shutdown sequence, the
// way cli/server/server.go wires the node's blockchain, network server
// and services around one signal-driven select loop.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"
	dsflatfs "github.com/ipfs/go-ds-flatfs"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/config"
	"github.com/poa-network/coordinator/pkg/poa/agentchannel"
	"github.com/poa-network/coordinator/pkg/poa/contentstore"
	"github.com/poa-network/coordinator/pkg/poa/executor"
	"github.com/poa-network/coordinator/pkg/poa/ledger"
	"github.com/poa-network/coordinator/pkg/poa/logging"
	"github.com/poa-network/coordinator/pkg/poa/metrics"
	"github.com/poa-network/coordinator/pkg/poa/refindex"
	"github.com/poa-network/coordinator/pkg/poa/reputation"
	"github.com/poa-network/coordinator/pkg/poa/reward"
	"github.com/poa-network/coordinator/pkg/poa/scheduler"
	"github.com/poa-network/coordinator/pkg/poa/store"
)

// shutdownHardCap bounds how long Shutdown waits for in-flight work and
// accumulator drains before forcing the underlying store closed anyway.
const shutdownHardCap = 10 * time.Second

// Server owns every PoA subsystem for one coordinator process.
type Server struct {
	cfg config.Config
	log *zap.Logger

	repo    store.Repository
	content contentstore.ContentStore
	lc      ledger.Client
	refs    *refindex.Index

	reputationPolicy *reputation.Policy
	rewardAcc        *reward.Accumulator
	hub              *agentchannel.Hub
	exec             *executor.Executor
	sched            *scheduler.Scheduler
	metricsSrv       *metrics.Service

	loggerSync func() error
	cancel     context.CancelFunc
	done       chan struct{}
}

// New constructs every subsystem from cfg but does not yet start
// anything. validatorID identifies this coordinator instance to dispatched
// agents (the RequestProof frame's requestingValidator field).
func New(cfg config.Config, validatorID string) (*Server, error) {
	log, _, loggerSync, err := logging.New(logging.Params{
		Level:    cfg.Core.Logger.LogLevel,
		Encoding: cfg.Core.Logger.LogEncoding,
		Path:     cfg.Core.Logger.LogPath,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: build logger: %w", err)
	}

	repo, err := newRepository(cfg.Core.Store)
	if err != nil {
		return nil, fmt.Errorf("runtime: open store: %w", err)
	}

	content, err := newContentStore(cfg.Core.ContentStore, log)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("runtime: open content store: %w", err)
	}

	lc, err := newLedgerClient(context.Background(), cfg.Core.Ledger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("runtime: dial ledger: %w", err)
	}

	refs, err := refindex.New(repo, content, log)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("runtime: build ref index: %w", err)
	}

	reputationPolicy := reputation.New(repo, cfg.PoA, log)
	rewardAcc := reward.New(repo, lc, cfg.PoA, cfg.Core.OperatorAccount, log)

	hub := agentchannel.New(repo, cfg.PoA.PendingCap, log)
	hub.SetMaxSessions(cfg.PoA.MaxAgentSessions)

	fetch := func(ctx context.Context, id string) ([]byte, error) {
		return content.Cat(ctx, id)
	}
	exec := executor.New(repo, hub, refs, fetch, reputationPolicy, rewardAcc, cfg.PoA, log)

	digests := ledger.NewDigestSource(lc)
	dispatch := func(ctx context.Context, p scheduler.Pair) {
		exec.Execute(ctx, validatorID, p.Agent, p.Blob, p.ContractID, p.Salt)
	}
	sched := scheduler.New(repo, digests, cfg.PoA, dispatch, log)

	metricsSrv := metrics.New(cfg.Core.Metrics, log)

	return &Server{
		cfg:              cfg,
		log:              log,
		repo:             repo,
		content:          content,
		lc:               lc,
		refs:             refs,
		reputationPolicy: reputationPolicy,
		rewardAcc:        rewardAcc,
		hub:              hub,
		exec:             exec,
		sched:            sched,
		metricsSrv:       metricsSrv,
		loggerSync:       loggerSync,
		done:             make(chan struct{}),
	}, nil
}

// Repository exposes the underlying store for the admin API to read from.
func (s *Server) Repository() store.Repository { return s.repo }

// Log exposes the server's shared logger so the CLI entrypoint can log
// listener startup/shutdown using the same logger the runtime itself uses.
func (s *Server) Log() *zap.Logger { return s.log }

// AgentChannelHandler is the http.Handler the agent-channel listener
// should serve, exported so the CLI entrypoint can bind its own
// net/http server to cfg.Core.AgentChannelAddress.
func (s *Server) AgentChannelHandler() *agentchannel.Hub { return s.hub }

// Run starts the scheduler tick loop and the metrics service, blocking
// until ctx is canceled. It is meant to be run in its own goroutine by
// the CLI entrypoint alongside the agent-channel and admin-API listeners.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer close(s.done)

	if err := s.metricsSrv.Start(); err != nil {
		return fmt.Errorf("runtime: start metrics service: %w", err)
	}

	s.sched.Run(runCtx)
	return nil
}

// Shutdown drains in-flight work and closes every subsystem in order:
// cancel new ticks, let the current tick's dispatched challenges finish
// or time out, flush every agent's pending reward batch, close agent
// channels, then close the durable store. It never blocks longer than
// shutdownHardCap.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, shutdownHardCap)
	defer drainCancel()

	select {
	case <-s.done:
	case <-drainCtx.Done():
		s.log.Warn("runtime: scheduler did not stop before shutdown deadline")
	}

	if err := s.rewardAcc.FlushAll(drainCtx); err != nil {
		s.log.Error("runtime: flush-all on shutdown failed", zap.Error(err))
	}

	s.hub.CloseAll()
	s.metricsSrv.ShutDown()

	if err := s.repo.Close(); err != nil {
		s.log.Error("runtime: close store failed", zap.Error(err))
	}
	if s.loggerSync != nil {
		_ = s.loggerSync()
	}
	return nil
}

func newRepository(cfg config.StoreConfiguration) (store.Repository, error) {
	switch cfg.Type {
	case "bbolt":
		return store.NewBoltStore(store.Options{FilePath: cfg.BoltDBOptions.FilePath})
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}

func newContentStore(cfg config.ContentStoreConfiguration, log *zap.Logger) (contentstore.ContentStore, error) {
	switch cfg.Backend {
	case "memory":
		return contentstore.NewMemory(), nil
	case "ipfs":
		shard := dsflatfs.NextToLast(2)
		ds, err := dsflatfs.CreateOrOpen(cfg.IPFSDatastorePath, shard, false)
		if err != nil {
			return nil, fmt.Errorf("open flatfs datastore at %s: %w", cfg.IPFSDatastorePath, err)
		}
		var batching datastore.Batching = ds
		return contentstore.NewIPFSStore(batching, log), nil
	default:
		return nil, fmt.Errorf("unsupported content store backend %q", cfg.Backend)
	}
}

// accountWIF opens the wallet at path, unlocks its default account with
// password, and returns its WIF-encoded private key, following the same
// unlock-and-extract flow the CLI's own wallet flags use.
func accountWIF(path, password string) (string, error) {
	wall, err := wallet.NewWalletFromFile(path)
	if err != nil {
		return "", fmt.Errorf("open wallet: %w", err)
	}
	addr := wall.GetChangeAddress()
	acc := wall.GetAccount(addr)
	if acc == nil {
		return "", fmt.Errorf("wallet %s has no default account", path)
	}
	if !acc.CanSign() {
		if err := acc.Decrypt(password, wall.Scrypt); err != nil {
			return "", fmt.Errorf("decrypt account: %w", err)
		}
	}
	priv, err := acc.PrivateKey()
	if err != nil {
		return "", fmt.Errorf("extract private key: %w", err)
	}
	return priv.WIF(), nil
}

func newLedgerClient(ctx context.Context, cfg config.LedgerConfiguration) (ledger.Client, error) {
	switch cfg.Backend {
	case "memory":
		return ledger.NewMemory(), nil
	case "neogo":
		wif, err := accountWIF(cfg.WalletPath, cfg.WalletPassword)
		if err != nil {
			return nil, fmt.Errorf("unlock operator wallet: %w", err)
		}
		return ledger.NewNeoGoClient(ctx, ledger.NeoGoOptions{
			Endpoint:  cfg.Endpoint,
			WIF:       wif,
			TokenHash: cfg.TokenHash,
		})
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", cfg.Backend)
	}
}
