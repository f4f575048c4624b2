package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/config"
	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/storetest"
)

func testCfg() config.PoAConfiguration {
	return config.PoAConfiguration{
		BanThreshold:       10,
		ProbationThreshold: 30,
		ConsecutiveFailBan: 3,
		SuccessGain:        1,
		FailBase:           5,
		FailMult:           1.5,
		FailCap:            20,
	}
}

func seedAgent(t *testing.T, repo *storetest.MemoryRepository, reputation int) *model.Agent {
	t.Helper()
	a := &model.Agent{ID: "agent-1", AccountName: "agent.one", Reputation: reputation, Status: model.StatusActive}
	require.NoError(t, repo.UpsertAgent(context.Background(), a))
	return a
}

func TestRecordSuccessIncrementsReputationAndStreak(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	seedAgent(t, repo, 50)
	p := New(repo, testCfg(), zap.NewNop())

	a, err := p.RecordSuccess(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, 51, a.Reputation)
	require.Equal(t, 0, a.ConsecutiveFail)
	require.Equal(t, 1, a.Streak)
	require.Equal(t, model.StatusActive, a.Status)
}

func TestRecordSuccessCapsAtHundred(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	seedAgent(t, repo, 100)
	p := New(repo, testCfg(), zap.NewNop())

	a, err := p.RecordSuccess(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, 100, a.Reputation)
}

func TestRecordFailureAppliesExponentialPenalty(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	a := seedAgent(t, repo, 80)
	a.Streak = 5
	require.NoError(t, repo.UpsertAgent(context.Background(), a))
	p := New(repo, testCfg(), zap.NewNop())

	updated, banned, err := p.RecordFailure(context.Background(), "agent-1")
	require.NoError(t, err)
	require.False(t, banned)
	require.Equal(t, 1, updated.ConsecutiveFail)
	require.Equal(t, 75, updated.Reputation) // floor(5 * 1.5^0) = 5
	require.Equal(t, 0, updated.Streak)
}

func TestRecordFailureBansFullReputationAgentPastFailLimit(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	a := seedAgent(t, repo, 100)
	a.ConsecutiveFail = 5
	require.NoError(t, repo.UpsertAgent(context.Background(), a))
	p := New(repo, testCfg(), zap.NewNop())

	updated, banned, err := p.RecordFailure(context.Background(), "agent-1")
	require.NoError(t, err)
	require.True(t, banned) // consecutive fail hits 6 >= ConsecutiveFailBan
	require.Equal(t, 0, updated.Reputation)
	require.Equal(t, model.StatusBanned, updated.Status)
}

func TestRecordFailureInstantBanAtThreeConsecutive(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	a := seedAgent(t, repo, 90)
	a.ConsecutiveFail = 2
	require.NoError(t, repo.UpsertAgent(context.Background(), a))
	p := New(repo, testCfg(), zap.NewNop())

	updated, banned, err := p.RecordFailure(context.Background(), "agent-1")
	require.NoError(t, err)
	require.True(t, banned)
	require.Equal(t, 0, updated.Reputation)
	require.Equal(t, model.StatusBanned, updated.Status)
}

func TestStatusRecomputesToProbationWithoutInstantBan(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	seedAgent(t, repo, 32)
	p := New(repo, testCfg(), zap.NewNop())

	a, _, err := p.RecordFailure(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusProbation, a.Status)
}

func TestLastSeenUpdatedOnOutcome(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	seedAgent(t, repo, 50)
	p := New(repo, testCfg(), zap.NewNop())

	before := time.Now()
	a, err := p.RecordSuccess(context.Background(), "agent-1")
	require.NoError(t, err)
	require.False(t, a.LastSeen.Before(before))
}
