// Package reward computes per-proof payouts, batches them per agent, and
// flushes batches to the ledger once a threshold is reached, subject to
// the financial safety limits on single, daily, and reserve spend.
package reward

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/config"
	"github.com/poa-network/coordinator/pkg/poa/ledger"
	"github.com/poa-network/coordinator/pkg/poa/metrics"
	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/store"
)

// Accumulator batches per-agent reward credits and flushes them to the
// ledger in bulk, respecting the configured payout safety limits.
type Accumulator struct {
	repo            store.Repository
	ledger          ledger.Client
	cfg             config.PoAConfiguration
	operatorAccount string
	log             *zap.Logger

	mu        sync.Mutex
	entries   map[string]*model.AccumulatorEntry
	flushLock map[string]*sync.Mutex

	dailyMu    sync.Mutex
	dailySpend float64
	dailySince time.Time
}

// New builds an Accumulator over repo and ledger using cfg's thresholds,
// paying out of operatorAccount.
func New(repo store.Repository, lc ledger.Client, cfg config.PoAConfiguration, operatorAccount string, log *zap.Logger) *Accumulator {
	return &Accumulator{
		repo:            repo,
		ledger:          lc,
		cfg:             cfg,
		operatorAccount: operatorAccount,
		log:             log,
		entries:         make(map[string]*model.AccumulatorEntry),
		flushLock:       make(map[string]*sync.Mutex),
		dailySince:      time.Now(),
	}
}

// ChallengeReward computes the payout for one successful challenge, given the agent's current success streak and the blob's
// replication factor. If contract is nil the fallback reward is used.
func (a *Accumulator) ChallengeReward(contract *model.Contract, replication, streak int) float64 {
	base := a.cfg.FallbackReward
	if contract != nil {
		base = contract.RewardPerChallenge
	}
	rarity := 1.0 / float64(max(1, replication))
	return base * rarity * streakMultiplier(streak)
}

func streakMultiplier(streak int) float64 {
	switch {
	case streak >= 100:
		return 1.5
	case streak >= 50:
		return 1.25
	case streak >= 10:
		return 1.1
	default:
		return 1.0
	}
}

// Credit applies a successful proof's reward: it debits the funding
// contract (if any), accumulates the reward for agentID, and flushes the
// accumulator once it reaches the configured batch threshold.
func (a *Accumulator) Credit(ctx context.Context, agentID, account, contentID string, contractID string, reward float64) error {
	if contractID != "" {
		ok, err := a.repo.DebitContract(ctx, contractID, reward)
		if err != nil {
			return fmt.Errorf("reward: debit contract: %w", err)
		}
		if !ok {
			if err := a.completeContract(ctx, contractID); err != nil {
				return err
			}
		}
	}

	a.mu.Lock()
	entry, ok := a.entries[agentID]
	if !ok {
		entry = model.NewAccumulatorEntry(agentID, account)
		a.entries[agentID] = entry
	}
	entry.Count++
	entry.TotalReward += reward
	entry.ContentIDs[contentID] = struct{}{}
	shouldFlush := entry.Count >= a.cfg.BatchThreshold
	a.mu.Unlock()

	if shouldFlush {
		return a.Flush(ctx, agentID)
	}
	return nil
}

// completeContract marks a contract whose debit was rejected (budget
// exhausted) as completed, recording the transition as a contract event.
func (a *Accumulator) completeContract(ctx context.Context, contractID string) error {
	c, err := a.repo.GetContract(ctx, contractID)
	if err != nil {
		return fmt.Errorf("reward: get contract: %w", err)
	}
	c.Status = model.ContractCompleted
	if err := a.repo.UpsertContract(ctx, c); err != nil {
		return fmt.Errorf("reward: complete contract: %w", err)
	}
	return a.repo.AppendContractEvent(ctx, &model.ContractEvent{
		ID:         uuid.NewString(),
		ContractID: contractID,
		Kind:       "completed",
		Detail:     "budget exhausted on debit",
		At:         time.Now(),
	})
}

// Flush attempts to pay out agentID's accumulated reward. A concurrent
// flush of the same agent aborts immediately rather than blocking: the
// caller's own Credit call will trigger a later flush if needed.
func (a *Accumulator) Flush(ctx context.Context, agentID string) error {
	a.mu.Lock()
	lock, ok := a.flushLock[agentID]
	if !ok {
		lock = &sync.Mutex{}
		a.flushLock[agentID] = lock
	}
	a.mu.Unlock()

	if !lock.TryLock() {
		return nil
	}
	defer lock.Unlock()

	a.mu.Lock()
	entry, ok := a.entries[agentID]
	if !ok || entry.IsEmpty() {
		a.mu.Unlock()
		return nil
	}
	snapshot := *entry
	a.mu.Unlock()

	if snapshot.TotalReward > a.cfg.MaxSinglePayout {
		a.log.Warn("reward flush rejected: exceeds max single payout",
			zap.String("agent_id", agentID), zap.Float64("total_reward", snapshot.TotalReward))
		return a.recordAudit(ctx, &snapshot, model.BroadcastSkipped, "")
	}

	a.dailyMu.Lock()
	if time.Since(a.dailySince) >= 24*time.Hour {
		a.dailySpend = 0
		a.dailySince = time.Now()
	}
	if a.dailySpend+snapshot.TotalReward > a.cfg.MaxDailySpend {
		a.dailyMu.Unlock()
		a.log.Warn("reward flush rejected: exceeds max daily spend",
			zap.String("agent_id", agentID), zap.Float64("total_reward", snapshot.TotalReward))
		return nil // retained for retry on a later tick
	}
	a.dailyMu.Unlock()

	balance, err := a.ledger.GetBalance(ctx, a.operatorAccount)
	if err != nil {
		return fmt.Errorf("reward: get balance: %w", err)
	}
	if balance-snapshot.TotalReward < a.cfg.MinReserve {
		a.log.Warn("reward flush rejected: would breach minimum reserve",
			zap.String("agent_id", agentID), zap.Float64("balance", balance))
		return a.recordAudit(ctx, &snapshot, model.BroadcastSkipped, "")
	}

	txID, err := a.ledger.SubmitTransfer(ctx, ledger.Transfer{
		From:   a.operatorAccount,
		To:     snapshot.Account,
		Amount: snapshot.TotalReward,
		Memo:   fmt.Sprintf("SPK PoA 2.0 batch reward: %d proofs verified", snapshot.Count),
	})
	if err != nil {
		a.log.Error("reward broadcast failed, retaining batch for retry",
			zap.String("agent_id", agentID), zap.Error(err))
		return a.recordAudit(ctx, &snapshot, model.BroadcastFailed, "")
	}

	if err := a.recordAudit(ctx, &snapshot, model.BroadcastSuccess, txID); err != nil {
		return err
	}
	metrics.RewardsPaid.Add(snapshot.TotalReward)

	a.dailyMu.Lock()
	a.dailySpend += snapshot.TotalReward
	a.dailyMu.Unlock()

	return nil
}

func (a *Accumulator) recordAudit(ctx context.Context, snapshot *model.AccumulatorEntry, status model.BroadcastStatus, txID string) error {
	metrics.FlushOutcomes.WithLabelValues(string(status)).Inc()
	err := a.repo.AppendAudit(ctx, &model.AuditRow{
		ID:              uuid.NewString(),
		AgentID:         snapshot.AgentID,
		Account:         snapshot.Account,
		ProofCount:      snapshot.Count,
		TotalReward:     snapshot.TotalReward,
		BroadcastStatus: status,
		TxID:            txID,
		At:              time.Now(),
	})
	if err != nil {
		return fmt.Errorf("reward: append audit: %w", err)
	}

	if status == model.BroadcastSuccess || status == model.BroadcastSkipped {
		a.mu.Lock()
		if entry, ok := a.entries[snapshot.AgentID]; ok {
			entry.Reset()
		}
		a.mu.Unlock()
	}
	return nil
}

// FlushAll flushes every non-empty accumulator, used on graceful shutdown.
func (a *Accumulator) FlushAll(ctx context.Context) error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.entries))
	for id, e := range a.entries {
		if !e.IsEmpty() {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := a.Flush(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
