// Package reputation applies a challenge outcome to an agent's standing:
// incrementing or penalizing reputation, tracking consecutive failures
// toward an instant ban, and recomputing membership status.
package reputation

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/config"
	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/store"
)

// Policy applies success/failure outcomes to agent reputation and status.
type Policy struct {
	repo store.Repository
	cfg  config.PoAConfiguration
	log  *zap.Logger
}

// New builds a Policy over repo using cfg's thresholds.
func New(repo store.Repository, cfg config.PoAConfiguration, log *zap.Logger) *Policy {
	return &Policy{repo: repo, cfg: cfg, log: log}
}

// RecordSuccess applies a successful challenge to agent, returning the
// updated agent row.
func (p *Policy) RecordSuccess(ctx context.Context, agentID string) (*model.Agent, error) {
	a, err := p.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("reputation: get agent: %w", err)
	}

	a.Reputation = min(100, a.Reputation+p.cfg.SuccessGain)
	a.ConsecutiveFail = 0
	a.Streak++
	a.Status = p.recomputeStatus(a.Reputation)
	a.LastSeen = time.Now()

	if err := p.repo.UpsertAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("reputation: upsert agent: %w", err)
	}
	return a, nil
}

// RecordFailure applies a failed challenge to agent, returning the
// updated agent row and whether this failure triggered an instant ban.
func (p *Policy) RecordFailure(ctx context.Context, agentID string) (a *model.Agent, banned bool, err error) {
	a, err = p.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, false, fmt.Errorf("reputation: get agent: %w", err)
	}

	a.ConsecutiveFail++
	penalty := p.cfg.FailBase * math.Pow(p.cfg.FailMult, float64(a.ConsecutiveFail-1))
	if penalty > p.cfg.FailCap {
		penalty = p.cfg.FailCap
	}
	a.Reputation = max(0, a.Reputation-int(math.Floor(penalty)))
	a.Streak = 0

	if a.ConsecutiveFail >= p.cfg.ConsecutiveFailBan {
		a.Reputation = 0
		a.Status = model.StatusBanned
		banned = true
		if p.log != nil {
			p.log.Warn("agent banned after consecutive failures",
				zap.String("agent_id", a.ID),
				zap.Int("consecutive_fail", a.ConsecutiveFail))
		}
	} else {
		a.Status = p.recomputeStatus(a.Reputation)
	}
	a.LastSeen = time.Now()

	if err := p.repo.UpsertAgent(ctx, a); err != nil {
		return nil, banned, fmt.Errorf("reputation: upsert agent: %w", err)
	}
	return a, banned, nil
}

func (p *Policy) recomputeStatus(reputation int) model.Status {
	switch {
	case reputation < p.cfg.BanThreshold:
		return model.StatusBanned
	case reputation < p.cfg.ProbationThreshold:
		return model.StatusProbation
	default:
		return model.StatusActive
	}
}
