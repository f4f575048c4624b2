package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/config"
	"github.com/poa-network/coordinator/pkg/poa/ledger"
	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/storetest"
)

func testCfg() config.PoAConfiguration {
	return config.PoAConfiguration{
		TickInterval:        time.Hour,
		BatchPerRound:       5,
		AgentCooldown:       time.Minute,
		PairCooldown:        2 * time.Minute,
		TrustMultiplierLow:  0.5,
		TrustMultiplierHigh: 2.0,
	}
}

func seedAgentsAndBlobs(t *testing.T, repo *storetest.MemoryRepository, nAgents, nBlobs int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < nAgents; i++ {
		id := string(rune('a' + i))
		require.NoError(t, repo.UpsertAgent(ctx, &model.Agent{
			ID: id, AccountName: "agent." + id, Reputation: 50, Status: model.StatusActive,
		}))
	}
	for i := 0; i < nBlobs; i++ {
		id := string(rune('0' + i))
		require.NoError(t, repo.UpsertBlob(ctx, &model.Blob{
			ContentID: "cid-" + id, SizeBytes: 1024, Replication: 3, PoAEnabled: true,
		}))
	}
}

func TestTickDispatchesNoDuplicateAgentPerRound(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	seedAgentsAndBlobs(t, repo, 5, 5)
	digests := ledger.NewDigestSource(ledger.NewMemory())

	var mu sync.Mutex
	var dispatched []Pair
	dispatch := func(ctx context.Context, p Pair) {
		mu.Lock()
		dispatched = append(dispatched, p)
		mu.Unlock()
	}

	s := New(repo, digests, testCfg(), dispatch, zap.NewNop())
	s.Tick(context.Background())

	require.LessOrEqual(t, len(dispatched), 5)
	seen := make(map[string]bool)
	for _, p := range dispatched {
		require.False(t, seen[p.Agent.ID], "agent dispatched twice in one round")
		seen[p.Agent.ID] = true
		require.NotEmpty(t, p.Salt)
	}
}

func TestTickRespectsAgentCooldown(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	seedAgentsAndBlobs(t, repo, 1, 1)
	digests := ledger.NewDigestSource(ledger.NewMemory())

	var calls int
	dispatch := func(ctx context.Context, p Pair) { calls++ }

	cfg := testCfg()
	cfg.AgentCooldown = time.Hour
	s := New(repo, digests, cfg, dispatch, zap.NewNop())

	s.Tick(context.Background())
	require.Equal(t, 1, calls)

	s.Tick(context.Background())
	require.Equal(t, 1, calls, "agent still in cooldown should not be re-selected")
}

func TestTickPrefersFundedBlobsWhenAvailable(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.UpsertAgent(ctx, &model.Agent{ID: "a", AccountName: "agent.a", Status: model.StatusActive}))
	require.NoError(t, repo.UpsertBlob(ctx, &model.Blob{ContentID: "cid-funded", SizeBytes: 100, Replication: 1, PoAEnabled: true}))
	require.NoError(t, repo.UpsertBlob(ctx, &model.Blob{ContentID: "cid-unfunded", SizeBytes: 100, Replication: 1, PoAEnabled: true}))
	require.NoError(t, repo.UpsertContract(ctx, &model.Contract{
		ID: "contract-1", ContentID: "cid-funded", Status: model.ContractActive,
		Budget: 10, Spent: 0, RewardPerChallenge: 0.1, ExpiresAt: time.Now().Add(time.Hour),
	}))

	digests := ledger.NewDigestSource(ledger.NewMemory())
	var dispatched []Pair
	dispatch := func(ctx context.Context, p Pair) { dispatched = append(dispatched, p) }

	s := New(repo, digests, testCfg(), dispatch, zap.NewNop())
	s.Tick(ctx)

	require.Len(t, dispatched, 1)
	require.Equal(t, "cid-funded", dispatched[0].Blob.ContentID)
	require.Equal(t, "contract-1", dispatched[0].ContractID)
}

func TestBatchSizeCapsAtFive(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	seedAgentsAndBlobs(t, repo, 10, 10)
	digests := ledger.NewDigestSource(ledger.NewMemory())

	var mu sync.Mutex
	var count int
	dispatch := func(ctx context.Context, p Pair) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	s := New(repo, digests, testCfg(), dispatch, zap.NewNop())
	s.Tick(context.Background())
	require.LessOrEqual(t, count, 5)
}
