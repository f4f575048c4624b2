// Package executor dispatches one selected (agent, blob, salt) challenge,
// measures the agent's response time server-side, independently verifies
// the reported proof, and hands the outcome to the reputation and reward
// subsystems.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/config"
	"github.com/poa-network/coordinator/pkg/poa/agentchannel"
	"github.com/poa-network/coordinator/pkg/poa/metrics"
	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/proofcrypto"
	"github.com/poa-network/coordinator/pkg/poa/refindex"
	"github.com/poa-network/coordinator/pkg/poa/reputation"
	"github.com/poa-network/coordinator/pkg/poa/reward"
	"github.com/poa-network/coordinator/pkg/poa/store"
)

// Fail reasons recorded on the challenge row. cfg.AntiCheatLimit is
// enforced in addition to the transport-level timeout: a response
// arriving within the transport deadline but no faster than that limit
// is still rejected as TooSlow.
const failNoEndpoint = "NoEndpoint"
const failTooSlow = "TooSlow"
const failProofMismatch = "ProofMismatch"

// Executor runs one challenge end to end.
type Executor struct {
	repo     store.Repository
	hub      *agentchannel.Hub
	refs     *refindex.Index
	content  fetchFunc
	reputation *reputation.Policy
	reward   *reward.Accumulator
	cfg      config.PoAConfiguration
	log      *zap.Logger
}

type fetchFunc = proofcrypto.Fetch

// New builds an Executor. fetch resolves a content ID (blob or sub-block)
// to its bytes, normally backed by the ContentStore.
func New(
	repo store.Repository,
	hub *agentchannel.Hub,
	refs *refindex.Index,
	fetch fetchFunc,
	reputationPolicy *reputation.Policy,
	rewardAccumulator *reward.Accumulator,
	cfg config.PoAConfiguration,
	log *zap.Logger,
) *Executor {
	return &Executor{
		repo:       repo,
		hub:        hub,
		refs:       refs,
		content:    fetch,
		reputation: reputationPolicy,
		reward:     rewardAccumulator,
		cfg:        cfg,
		log:        log,
	}
}

// Execute dispatches the challenge described by agent/blob/contractID/salt
// against validatorID, verifies the result, and updates reputation and
// reward state. It never returns an error to the caller: every failure
// mode is recorded on the challenge row and via the reputation pipeline.
func (e *Executor) Execute(ctx context.Context, validatorID string, agent *model.Agent, blob *model.Blob, contractID, salt string) {
	challengeID := uuid.NewString()
	now := time.Now()
	challenge := &model.Challenge{
		ID: challengeID, ValidatorID: validatorID, AgentID: agent.ID,
		ContentID: blob.ContentID, ContractID: contractID, Salt: salt,
		Result: model.ResultPending, CreatedAt: now,
	}
	if err := e.repo.InsertChallenge(ctx, challenge); err != nil {
		e.log.Error("executor: insert challenge failed", zap.Error(err))
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, e.cfg.ChallengeTimeout)
	defer cancel()

	start := time.Now()
	outcome, failReason := e.dispatch(dispatchCtx, agent, blob.ContentID, salt, validatorID)
	elapsed := time.Since(start).Milliseconds()

	if failReason != "" {
		e.fail(ctx, challenge, failReason, elapsed)
		return
	}

	if outcome.Status == model.ResultTimeout {
		e.fail(ctx, challenge, "Timeout", outcome.Elapsed)
		return
	}
	if outcome.Status == model.ResultFail {
		e.fail(ctx, challenge, outcome.Reason, elapsed)
		return
	}
	if elapsed >= e.cfg.AntiCheatLimit.Milliseconds() {
		e.fail(ctx, challenge, failTooSlow, elapsed)
		return
	}

	subBlockIDs, err := e.refs.Get(ctx, blob.ContentID)
	if err != nil {
		e.fail(ctx, challenge, fmt.Sprintf("RefIndexError: %v", err), elapsed)
		return
	}
	expected := proofcrypto.ProofHash(ctx, salt, blob.ContentID, subBlockIDs, e.content)
	if expected == "" || expected != outcome.ProofHash {
		e.fail(ctx, challenge, failProofMismatch, elapsed)
		return
	}

	e.succeed(ctx, challenge, agent, blob, contractID, elapsed)
}

// dispatch delivers the challenge to agent over its live Hub session if one
// exists. Otherwise, if the agent record carries a fallback Endpoint, it
// opens a one-shot connection directly to it and awaits a single reply.
// Only an agent with neither path available fails NoEndpoint.
func (e *Executor) dispatch(ctx context.Context, agent *model.Agent, contentID, salt, validatorID string) (agentchannel.Outcome, string) {
	if e.hub != nil && e.hub.HasSession(agent.ID) {
		resultCh, err := e.hub.Dispatch(ctx, agent.ID, contentID, salt, validatorID)
		if err != nil {
			return agentchannel.Outcome{}, failNoEndpoint
		}
		select {
		case o := <-resultCh:
			return o, ""
		case <-ctx.Done():
			return agentchannel.Outcome{Status: model.ResultTimeout, Elapsed: e.cfg.ChallengeTimeout.Milliseconds()}, ""
		}
	}

	if agent.Endpoint != "" {
		outcome, err := agentchannel.DialOnce(ctx, agent.Endpoint, contentID, salt, validatorID)
		if err != nil {
			if ctx.Err() != nil {
				return agentchannel.Outcome{Status: model.ResultTimeout, Elapsed: e.cfg.ChallengeTimeout.Milliseconds()}, ""
			}
			e.log.Warn("executor: one-shot dial failed", zap.String("agentId", agent.ID), zap.Error(err))
			return agentchannel.Outcome{}, failNoEndpoint
		}
		return outcome, ""
	}

	return agentchannel.Outcome{}, failNoEndpoint
}

func (e *Executor) fail(ctx context.Context, c *model.Challenge, reason string, elapsedMillis int64) {
	metrics.ChallengesDispatched.WithLabelValues(string(model.ResultFail)).Inc()
	if err := e.repo.UpdateChallengeResult(ctx, c.ID, model.ResultFail, reason, elapsedMillis); err != nil {
		e.log.Error("executor: update challenge result failed", zap.Error(err))
	}
	_, banned, err := e.reputation.RecordFailure(ctx, c.AgentID)
	if err != nil {
		e.log.Error("executor: record failure failed", zap.Error(err))
		return
	}
	if banned {
		metrics.AgentsBanned.Inc()
	}
}

func (e *Executor) succeed(ctx context.Context, c *model.Challenge, agent *model.Agent, blob *model.Blob, contractID string, elapsedMillis int64) {
	metrics.ChallengesDispatched.WithLabelValues("success").Inc()
	if err := e.repo.UpdateChallengeResult(ctx, c.ID, model.ResultSuccess, "", elapsedMillis); err != nil {
		e.log.Error("executor: update challenge result failed", zap.Error(err))
	}

	updated, err := e.reputation.RecordSuccess(ctx, c.AgentID)
	if err != nil {
		e.log.Error("executor: record success failed", zap.Error(err))
		return
	}

	var contract *model.Contract
	if contractID != "" {
		contract, err = e.repo.GetContract(ctx, contractID)
		if err != nil {
			e.log.Error("executor: get contract failed", zap.Error(err))
			contract = nil
		}
	}

	payout := e.reward.ChallengeReward(contract, blob.Replication, updated.Streak)
	if err := e.reward.Credit(ctx, agent.ID, agent.AccountName, blob.ContentID, contractID, payout); err != nil {
		e.log.Error("executor: credit reward failed", zap.Error(err))
	}
}
