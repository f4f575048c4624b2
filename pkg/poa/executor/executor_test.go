package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/config"
	"github.com/poa-network/coordinator/pkg/poa/agentchannel"
	"github.com/poa-network/coordinator/pkg/poa/contentstore"
	"github.com/poa-network/coordinator/pkg/poa/ledger"
	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/proofcrypto"
	"github.com/poa-network/coordinator/pkg/poa/refindex"
	"github.com/poa-network/coordinator/pkg/poa/reputation"
	"github.com/poa-network/coordinator/pkg/poa/reward"
	"github.com/poa-network/coordinator/pkg/poa/storetest"
)

type testHarness struct {
	repo  *storetest.MemoryRepository
	hub   *agentchannel.Hub
	srv   *httptest.Server
	refs  *refindex.Index
	cs    *contentstore.Memory
	exec  *Executor
}

func newHarness(t *testing.T, cfg config.PoAConfiguration) *testHarness {
	t.Helper()
	repo := storetest.NewMemoryRepository()
	hub := agentchannel.New(repo, 10, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	t.Cleanup(srv.Close)

	cs := contentstore.NewMemory()
	refs, err := refindex.New(repo, cs, zap.NewNop())
	require.NoError(t, err)

	rep := reputation.New(repo, cfg, zap.NewNop())
	lc := ledger.NewMemory()
	lc.SeedAccount("coordinator", "addrC", 10)
	lc.SeedAccount("agent.one", "addrA", 0)
	rwd := reward.New(repo, lc, cfg, "coordinator", zap.NewNop())

	fetch := func(ctx context.Context, id string) ([]byte, error) {
		return cs.Cat(ctx, id)
	}

	exec := New(repo, hub, refs, fetch, rep, rwd, cfg, zap.NewNop())
	return &testHarness{repo: repo, hub: hub, srv: srv, refs: refs, cs: cs, exec: exec}
}

func dial(t *testing.T, srv *httptest.Server, account string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "register", "data": map[string]string{"accountName": account},
	}))
	var fr map[string]interface{}
	require.NoError(t, conn.ReadJSON(&fr))
	require.Equal(t, "registered", fr["type"])
	return conn
}

func testCfg() config.PoAConfiguration {
	return config.PoAConfiguration{
		ChallengeTimeout:   2 * time.Second,
		AntiCheatLimit:     500 * time.Millisecond,
		BanThreshold:       10,
		ProbationThreshold: 30,
		ConsecutiveFailBan: 3,
		SuccessGain:        1,
		FailBase:           5,
		FailMult:           1.5,
		FailCap:            20,
		BatchThreshold:     5,
		MaxSinglePayout:    1.0,
		MaxDailySpend:      50.0,
		MinReserve:         1.0,
		FallbackReward:     0.005,
	}
}

func seedAgentAndBlob(t *testing.T, repo *storetest.MemoryRepository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.UpsertAgent(ctx, &model.Agent{ID: "agent.one", AccountName: "agent.one", Reputation: 50, Status: model.StatusActive}))
	require.NoError(t, repo.UpsertBlob(ctx, &model.Blob{ContentID: "cid-1", SizeBytes: 100, Replication: 2, PoAEnabled: true}))
}

func TestExecuteSucceedsOnMatchingProof(t *testing.T) {
	cfg := testCfg()
	h := newHarness(t, cfg)
	seedAgentAndBlob(t, h.repo)
	h.cs.Put("cid-1", []byte("blob-bytes"))

	conn := dial(t, h.srv, "agent.one")
	defer conn.Close()
	require.Eventually(t, func() bool { return h.hub.HasSession("agent.one") }, time.Second, 10*time.Millisecond)

	agent, err := h.repo.GetAgent(context.Background(), "agent.one")
	require.NoError(t, err)
	blob, err := h.repo.GetBlob(context.Background(), "cid-1")
	require.NoError(t, err)

	const salt = "fixed-test-salt"
	expected := proofcrypto.ProofHash(context.Background(), salt, "cid-1", nil, func(ctx context.Context, id string) ([]byte, error) {
		return h.cs.Cat(ctx, id)
	})

	done := make(chan struct{})
	go func() {
		var fr map[string]interface{}
		require.NoError(t, conn.ReadJSON(&fr))
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": "proofResponse",
			"data": map[string]interface{}{
				"contentId": "cid-1", "salt": salt, "status": "success", "proofHash": expected, "elapsed": 10,
			},
		}))
		close(done)
	}()

	h.exec.Execute(context.Background(), "validator-1", agent, blob, "", salt)
	<-done

	updatedAgent, err := h.repo.GetAgent(context.Background(), "agent.one")
	require.NoError(t, err)
	require.Equal(t, 51, updatedAgent.Reputation)
}

func TestExecuteDispatchesOverFallbackEndpoint(t *testing.T) {
	cfg := testCfg()
	h := newHarness(t, cfg)
	seedAgentAndBlob(t, h.repo)
	h.cs.Put("cid-1", []byte("blob-bytes"))

	const salt = "fallback-test-salt"
	expected := proofcrypto.ProofHash(context.Background(), salt, "cid-1", nil, func(ctx context.Context, id string) ([]byte, error) {
		return h.cs.Cat(ctx, id)
	})

	upgrader := websocket.Upgrader{}
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		var fr map[string]interface{}
		require.NoError(t, conn.ReadJSON(&fr))
		require.Equal(t, "requestProof", fr["type"])
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": "proofResponse",
			"data": map[string]interface{}{
				"contentId": "cid-1", "salt": salt, "status": "success", "proofHash": expected, "elapsed": 10,
			},
		}))
	}))
	defer fallback.Close()

	agent, err := h.repo.GetAgent(context.Background(), "agent.one")
	require.NoError(t, err)
	agent.Endpoint = "ws" + strings.TrimPrefix(fallback.URL, "http") + "/"
	require.NoError(t, h.repo.UpsertAgent(context.Background(), agent))

	blob, err := h.repo.GetBlob(context.Background(), "cid-1")
	require.NoError(t, err)

	h.exec.Execute(context.Background(), "validator-1", agent, blob, "", salt)

	updatedAgent, err := h.repo.GetAgent(context.Background(), "agent.one")
	require.NoError(t, err)
	require.Equal(t, 51, updatedAgent.Reputation)
}

func TestExecuteFailsOnNoEndpoint(t *testing.T) {
	cfg := testCfg()
	h := newHarness(t, cfg)
	seedAgentAndBlob(t, h.repo)

	agent, err := h.repo.GetAgent(context.Background(), "agent.one")
	require.NoError(t, err)
	blob, err := h.repo.GetBlob(context.Background(), "cid-1")
	require.NoError(t, err)

	h.exec.Execute(context.Background(), "validator-1", agent, blob, "", "salt-1")

	updatedAgent, err := h.repo.GetAgent(context.Background(), "agent.one")
	require.NoError(t, err)
	require.Equal(t, 1, updatedAgent.ConsecutiveFail)
}
