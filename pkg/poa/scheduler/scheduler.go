// Package scheduler runs the periodic PoA challenge round: sweeping
// contract lifecycles, selecting an eligible (agent, blob) batch by
// weighted sampling, enforcing cooldowns, and handing each pair to a
// dispatch function (normally ChallengeExecutor.Execute).
package scheduler

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/config"
	"github.com/poa-network/coordinator/pkg/poa/ledger"
	"github.com/poa-network/coordinator/pkg/poa/lifecycle"
	"github.com/poa-network/coordinator/pkg/poa/metrics"
	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/proofcrypto"
	"github.com/poa-network/coordinator/pkg/poa/store"
)

const maxPairRetries = 5

// Pair is one selected challenge target for a tick.
type Pair struct {
	Agent      *model.Agent
	Blob       *model.Blob
	ContractID string // empty if unfunded
	Salt       string
}

// Dispatch executes one selected pair. Scheduler waits for every
// dispatched pair's Dispatch call to return before the tick completes.
type Dispatch func(ctx context.Context, pair Pair)

// cooldownKey identifies a cooldown-table entry.
type cooldownKey string

func agentCooldownKey(agentID string) cooldownKey { return cooldownKey("agent:" + agentID) }
func pairCooldownKey(agentID, contentID string) cooldownKey {
	return cooldownKey("pair:" + agentID + ":" + contentID)
}

// Scheduler runs ticks against repo, selecting and dispatching pairs.
type Scheduler struct {
	repo    store.Repository
	sweeper *lifecycle.Sweeper
	digests *ledger.DigestSource
	dispatch Dispatch
	cfg     config.PoAConfiguration
	log     *zap.Logger
	rng     *rand.Rand

	mu        sync.Mutex
	cooldowns map[cooldownKey]time.Time
}

// New builds a Scheduler.
func New(repo store.Repository, digests *ledger.DigestSource, cfg config.PoAConfiguration, dispatch Dispatch, log *zap.Logger) *Scheduler {
	return &Scheduler{
		repo:      repo,
		sweeper:   lifecycle.New(repo, log),
		digests:   digests,
		dispatch:  dispatch,
		cfg:       cfg,
		log:       log,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		cooldowns: make(map[cooldownKey]time.Time),
	}
}

// Run blocks, firing a Tick every cfg.TickInterval until ctx is canceled.
// A tick still running when the next one would fire does not stack;
// the ticker simply fires on schedule and Tick itself is never
// re-entered concurrently.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling round: lifecycle sweep, eligibility,
// weighted selection, cooldown bookkeeping, and dispatch.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()

	if _, err := s.sweeper.Sweep(ctx, now); err != nil {
		s.log.Error("scheduler: lifecycle sweep failed", zap.Error(err))
		return
	}

	agents, err := s.eligibleAgents(ctx, now)
	if err != nil {
		s.log.Error("scheduler: list eligible agents failed", zap.Error(err))
		return
	}
	blobs, fundedContracts, err := s.targetBlobs(ctx)
	if err != nil {
		s.log.Error("scheduler: list target blobs failed", zap.Error(err))
		return
	}
	if len(agents) == 0 || len(blobs) == 0 {
		return
	}

	batchSize := min3(s.cfg.BatchPerRound, len(agents), len(blobs))
	pairs := s.selectPairs(agents, blobs, fundedContracts, batchSize, now)
	if len(pairs) == 0 {
		return
	}

	digest := s.digests.Get(ctx)

	var wg sync.WaitGroup
	for _, pair := range pairs {
		salt, err := proofcrypto.SaltWithBlockDigest(digest)
		if err != nil {
			s.log.Error("scheduler: salt generation failed", zap.Error(err))
			continue
		}
		pair.Salt = salt
		wg.Add(1)
		go func(p Pair) {
			defer wg.Done()
			s.dispatch(ctx, p)
		}(pair)
	}
	wg.Wait()
}

func (s *Scheduler) eligibleAgents(ctx context.Context, now time.Time) ([]*model.Agent, error) {
	agents, err := s.repo.EligibleAgents(ctx, now)
	if err != nil {
		return nil, err
	}
	out := agents[:0]
	for _, a := range agents {
		if !s.inCooldown(agentCooldownKey(a.ID), now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Scheduler) targetBlobs(ctx context.Context) ([]*model.Blob, map[string]string, error) {
	blobs, err := s.repo.PoAEnabledBlobs(ctx)
	if err != nil {
		return nil, nil, err
	}
	funded, err := s.repo.FundedBlobContentIDs(ctx)
	if err != nil {
		return nil, nil, err
	}

	var fundedBlobs []*model.Blob
	for _, b := range blobs {
		if _, ok := funded[b.ContentID]; ok {
			fundedBlobs = append(fundedBlobs, b)
		}
	}
	if len(fundedBlobs) > 0 {
		return fundedBlobs, funded, nil
	}
	return blobs, funded, nil
}

func (s *Scheduler) selectPairs(agents []*model.Agent, blobs []*model.Blob, funded map[string]string, batchSize int, now time.Time) []Pair {
	usedAgents := make(map[string]bool)
	var pairs []Pair

	for len(pairs) < batchSize {
		agent := s.sampleAgent(agents, usedAgents)
		if agent == nil {
			break
		}
		usedAgents[agent.ID] = true

		var chosen *model.Blob
		for attempt := 0; attempt < maxPairRetries; attempt++ {
			blob := s.sampleBlob(blobs)
			if blob == nil {
				break
			}
			if !s.inCooldown(pairCooldownKey(agent.ID, blob.ContentID), now) {
				chosen = blob
				break
			}
		}
		if chosen == nil {
			continue
		}

		s.markCooldown(agentCooldownKey(agent.ID), s.agentCooldownDuration(agent), now)
		s.markCooldown(pairCooldownKey(agent.ID, chosen.ContentID), s.pairCooldownDuration(agent), now)
		s.trimCooldowns()

		pairs = append(pairs, Pair{Agent: agent, Blob: chosen, ContractID: funded[chosen.ContentID]})
	}
	return pairs
}

func (s *Scheduler) sampleAgent(agents []*model.Agent, used map[string]bool) *model.Agent {
	var candidates []*model.Agent
	var weights []float64
	for _, a := range agents {
		if used[a.ID] {
			continue
		}
		w := float64(101 - a.Reputation)
		if a.Streak > 50 {
			w *= 0.5
		}
		candidates = append(candidates, a)
		weights = append(weights, w)
	}
	idx := weightedSample(s.rng, weights)
	if idx < 0 {
		return nil
	}
	return candidates[idx]
}

func (s *Scheduler) sampleBlob(blobs []*model.Blob) *model.Blob {
	weights := make([]float64, len(blobs))
	for i, b := range blobs {
		weights[i] = math.Log10(float64(maxInt(1, int(b.SizeBytes))))/10 + float64(maxInt(1, 10-b.Replication)) + 1
	}
	idx := weightedSample(s.rng, weights)
	if idx < 0 {
		return nil
	}
	return blobs[idx]
}

func weightedSample(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return -1
	}
	r := rng.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r < cum {
			return i
		}
	}
	return len(weights) - 1
}

func (s *Scheduler) trustMultiplier(a *model.Agent) float64 {
	switch {
	case a.Reputation < 50:
		return s.cfg.TrustMultiplierLow
	case a.Reputation >= 75:
		return s.cfg.TrustMultiplierHigh
	default:
		return 1.0
	}
}

func (s *Scheduler) agentCooldownDuration(a *model.Agent) time.Duration {
	return time.Duration(float64(s.cfg.AgentCooldown) * s.trustMultiplier(a))
}

func (s *Scheduler) pairCooldownDuration(a *model.Agent) time.Duration {
	return time.Duration(float64(s.cfg.PairCooldown) * s.trustMultiplier(a))
}

func (s *Scheduler) inCooldown(key cooldownKey, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[key]
	return ok && now.Before(until)
}

func (s *Scheduler) markCooldown(key cooldownKey, d time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[key] = now.Add(d)
}

// trimCooldowns enforces the 500-agent / 1000-pair entry caps by
// dropping the soonest-to-expire entries once a table exceeds its cap.
// Caller must hold no lock; it acquires its own.
func (s *Scheduler) trimCooldowns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var agentKeys, pairKeys []cooldownKey
	for k := range s.cooldowns {
		if len(k) > 6 && k[:6] == "agent:" {
			agentKeys = append(agentKeys, k)
		} else {
			pairKeys = append(pairKeys, k)
		}
	}
	s.trimTable(agentKeys, 500)
	s.trimTable(pairKeys, 1000)

	var agentCount, pairCount int
	for k := range s.cooldowns {
		if len(k) > 6 && k[:6] == "agent:" {
			agentCount++
		} else {
			pairCount++
		}
	}
	metrics.CooldownEntries.WithLabelValues("agent").Set(float64(agentCount))
	metrics.CooldownEntries.WithLabelValues("pair").Set(float64(pairCount))
}

func (s *Scheduler) trimTable(keys []cooldownKey, cap int) {
	if len(keys) <= cap {
		return
	}
	type entry struct {
		key cooldownKey
		at  time.Time
	}
	entries := make([]entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, entry{k, s.cooldowns[k]})
	}
	for len(entries) > cap {
		oldestIdx := 0
		for i, e := range entries {
			if e.at.Before(entries[oldestIdx].at) {
				oldestIdx = i
			}
		}
		delete(s.cooldowns, entries[oldestIdx].key)
		entries = append(entries[:oldestIdx], entries[oldestIdx+1:]...)
	}
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
