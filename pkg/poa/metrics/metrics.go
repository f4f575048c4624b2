// Package metrics exposes PoA coordination counters and gauges over a
// Prometheus /metrics endpoint, the same client_golang registry pattern
// cli/server/metrics.go uses for the node's own version gauge.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/config"
)

var (
	// ChallengesDispatched counts every challenge the scheduler hands
	// to the executor, labeled by terminal result.
	ChallengesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poa",
		Name:      "challenges_total",
		Help:      "Challenges dispatched, labeled by terminal result.",
	}, []string{"result"})

	// RewardsPaid sums the GAS amount successfully broadcast to agents.
	RewardsPaid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "poa",
		Name:      "rewards_paid_total",
		Help:      "Total reward amount successfully broadcast to agents.",
	})

	// AgentsBanned counts instant and threshold bans.
	AgentsBanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "poa",
		Name:      "agents_banned_total",
		Help:      "Agents transitioned to banned status.",
	})

	// ActiveSessions tracks the current count of live agent-channel
	// websocket connections.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "poa",
		Name:      "agent_sessions",
		Help:      "Currently connected agent-channel sessions.",
	})

	// PendingChallenges tracks the agent-channel's outstanding
	// pending-challenge table occupancy.
	PendingChallenges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "poa",
		Name:      "pending_challenges",
		Help:      "Outstanding challenges awaiting a ProofResponse.",
	})

	// CooldownEntries tracks the scheduler's cooldown table sizes,
	// labeled by table ("agent" or "pair").
	CooldownEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "poa",
		Name:      "cooldown_entries",
		Help:      "Scheduler cooldown table occupancy, by table.",
	}, []string{"table"})

	// FlushOutcomes counts accumulator flush attempts by broadcastStatus.
	FlushOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "poa",
		Name:      "reward_flush_total",
		Help:      "Reward batch flushes, labeled by broadcast status.",
	}, []string{"broadcast_status"})
)

// Service serves the Prometheus registry over HTTP on every address in
// its config.BasicService. It follows the node's metrics.Service shape
// (Start/ShutDown, no-op if disabled) without depending on that
// unexported service internally.
type Service struct {
	cfg  config.BasicService
	log  *zap.Logger
	srvs []*http.Server
}

// New builds a Service bound to cfg.Addresses. Start is a no-op if cfg
// is disabled or carries no addresses.
func New(cfg config.BasicService, log *zap.Logger) *Service {
	return &Service{cfg: cfg, log: log}
}

// Start begins serving /metrics in the background on every configured
// address. It is a no-op if the service is disabled.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	for _, addr := range s.cfg.Addresses {
		srv := &http.Server{Addr: addr, Handler: mux}
		s.srvs = append(s.srvs, srv)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("metrics: server failed", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}()
		s.log.Info("metrics: listening", zap.String("addr", addr))
	}
	return nil
}

// ShutDown stops every HTTP server, waiting up to five seconds for
// in-flight scrapes to finish.
func (s *Service) ShutDown() {
	if len(s.srvs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range s.srvs {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("metrics: shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
}
