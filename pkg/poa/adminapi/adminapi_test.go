package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/storetest"
)

func TestHandleAgentReturnsRecord(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.UpsertAgent(ctx, &model.Agent{
		ID: "agent.one", AccountName: "agent.one", Reputation: 62, Status: model.StatusActive, Streak: 4,
	}))

	srv := httptest.NewServer(New(repo, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/agents/agent.one")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got agentView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "agent.one", got.ID)
	require.Equal(t, 62, got.Reputation)
	require.Equal(t, 4, got.Streak)
}

func TestHandleAgentMissingReturnsNotFound(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	srv := httptest.NewServer(New(repo, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/agents/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleContractEventsReturnsRows(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.AppendContractEvent(ctx, &model.ContractEvent{
		ID: "evt-1", ContractID: "contract-1", Kind: "activated", At: time.Now(),
	}))

	srv := httptest.NewServer(New(repo, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/contracts/contract-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []model.ContractEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	require.Equal(t, "activated", events[0].Kind)
}

func TestHandleAuditReturnsRows(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.AppendAudit(ctx, &model.AuditRow{
		ID: "audit-1", AgentID: "agent.one", BroadcastStatus: model.BroadcastSuccess, At: time.Now(),
	}))

	srv := httptest.NewServer(New(repo, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/audit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []model.AuditRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	require.Equal(t, model.BroadcastSuccess, rows[0].BroadcastStatus)
}
