// Package lifecycle sweeps funded storage contracts through their
// terminal transitions. It runs at the top of every scheduler tick,
// ahead of challenge dispatch, so eligibility and funding queries never
// see a contract that should already be expired.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/store"
)

// Sweeper transitions expired contracts out of the active pool.
type Sweeper struct {
	repo store.Repository
	log  *zap.Logger
}

// New builds a Sweeper over repo.
func New(repo store.Repository, log *zap.Logger) *Sweeper {
	return &Sweeper{repo: repo, log: log}
}

// Sweep marks every active contract past its expiry as expired and every
// active contract whose remaining budget can no longer cover one more
// reward-per-challenge as completed, recording a contract event for each.
// A contract is only ever swept once: once its status leaves
// ContractActive, neither ExpiredContracts nor ExhaustedContracts returns
// it again.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ExpiredContracts(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: list expired contracts: %w", err)
	}

	for _, c := range expired {
		c.Status = model.ContractExpired
		if err := s.repo.UpsertContract(ctx, c); err != nil {
			return 0, fmt.Errorf("lifecycle: expire contract %s: %w", c.ID, err)
		}
		if err := s.repo.AppendContractEvent(ctx, &model.ContractEvent{
			ID:         uuid.NewString(),
			ContractID: c.ID,
			Kind:       "expired",
			Detail:     fmt.Sprintf("expired at %s", c.ExpiresAt.Format(time.RFC3339)),
			At:         now,
		}); err != nil {
			return 0, fmt.Errorf("lifecycle: record expiry event %s: %w", c.ID, err)
		}
		if s.log != nil {
			s.log.Info("contract expired", zap.String("contract_id", c.ID), zap.String("content_id", c.ContentID))
		}
	}

	exhausted, err := s.repo.ExhaustedContracts(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: list exhausted contracts: %w", err)
	}

	for _, c := range exhausted {
		c.Status = model.ContractCompleted
		if err := s.repo.UpsertContract(ctx, c); err != nil {
			return 0, fmt.Errorf("lifecycle: complete contract %s: %w", c.ID, err)
		}
		if err := s.repo.AppendContractEvent(ctx, &model.ContractEvent{
			ID:         uuid.NewString(),
			ContractID: c.ID,
			Kind:       "completed",
			Detail:     "budget exhausted",
			At:         now,
		}); err != nil {
			return 0, fmt.Errorf("lifecycle: record completion event %s: %w", c.ID, err)
		}
		if s.log != nil {
			s.log.Info("contract completed", zap.String("contract_id", c.ID), zap.String("content_id", c.ContentID))
		}
	}

	return len(expired) + len(exhausted), nil
}
