package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poa-network/coordinator/pkg/poa/model"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "poa.db")
	s, err := NewBoltStore(Options{FilePath: path})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	_, err := s.GetAgent(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	a := &model.Agent{ID: "a1", AccountName: "acct-1", Reputation: 50, Status: model.StatusActive}
	require.NoError(t, s.UpsertAgent(ctx, a))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestEligibleAgentsExcludesRecentlyBanned(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertAgent(ctx, &model.Agent{ID: "active", Status: model.StatusActive}))
	require.NoError(t, s.UpsertAgent(ctx, &model.Agent{ID: "banned-recent", Status: model.StatusBanned, LastSeen: now}))
	require.NoError(t, s.UpsertAgent(ctx, &model.Agent{ID: "banned-stale", Status: model.StatusBanned, LastSeen: now.Add(-25 * time.Hour)}))

	got, err := s.EligibleAgents(ctx, now)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, a := range got {
		ids[a.ID] = true
	}
	require.True(t, ids["active"])
	require.True(t, ids["banned-stale"])
	require.False(t, ids["banned-recent"])
}

func TestRefsAreImmutableOnceSet(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRefs(ctx, &model.RefsEntry{ContentID: "cid1", SubBlockIDs: []string{"s0", "s1"}}))
	require.NoError(t, s.PutRefs(ctx, &model.RefsEntry{ContentID: "cid1", SubBlockIDs: []string{"different"}}))

	got, err := s.GetRefs(ctx, "cid1")
	require.NoError(t, err)
	require.Equal(t, []string{"s0", "s1"}, got.SubBlockIDs)
}

func TestDebitContractRejectsOverBudget(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	c := &model.Contract{ID: "c1", Budget: 1.0, Spent: 0.9, Status: model.ContractActive}
	require.NoError(t, s.UpsertContract(ctx, c))

	ok, err := s.DebitContract(ctx, "c1", 0.2)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.DebitContract(ctx, "c1", 0.1)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetContract(ctx, "c1")
	require.NoError(t, err)
	require.InDelta(t, 1.0, got.Spent, 1e-9)
}

func TestExpiredContracts(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertContract(ctx, &model.Contract{ID: "expired", Status: model.ContractActive, ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.UpsertContract(ctx, &model.Contract{ID: "live", Status: model.ContractActive, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.UpsertContract(ctx, &model.Contract{ID: "already-done", Status: model.ContractCompleted, ExpiresAt: now.Add(-time.Minute)}))

	got, err := s.ExpiredContracts(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "expired", got[0].ID)
}

func TestAuditRowsRespectsLimit(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAudit(ctx, &model.AuditRow{ID: string(rune('a' + i)), BroadcastStatus: model.BroadcastSuccess}))
	}

	got, err := s.AuditRows(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	all, err := s.AuditRows(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
}
