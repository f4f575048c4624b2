package agentchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/storetest"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	repo := storetest.NewMemoryRepository()
	h := New(repo, 10, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)
	return h, srv
}

func dialAndRegister(t *testing.T, srv *httptest.Server, accountName string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame{Type: "register", Data: mustJSON(registerFrame{AccountName: accountName})}))

	var fr frame
	require.NoError(t, conn.ReadJSON(&fr))
	require.Equal(t, "registered", fr.Type)
	return conn
}

func TestValidAccountName(t *testing.T) {
	require.True(t, ValidAccountName("agent.one"))
	require.True(t, ValidAccountName("abc"))
	require.False(t, ValidAccountName("Agent1"))
	require.False(t, ValidAccountName("1agent"))
	require.False(t, ValidAccountName("ab"))
	require.False(t, ValidAccountName(strings.Repeat("a", 20)))
}

func TestRegisterAndHasSession(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialAndRegister(t, srv, "agent.one")
	defer conn.Close()

	require.Eventually(t, func() bool { return h.HasSession("agent.one") }, time.Second, 10*time.Millisecond)
}

func TestRegisterRejectsInvalidAccountName(t *testing.T) {
	_, srv := newTestHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(frame{Type: "register", Data: mustJSON(registerFrame{AccountName: "BadName"})}))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, CloseInvalidAccountName, closeErr.Code)
}

func TestDispatchResolvesOnProofResponse(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialAndRegister(t, srv, "agent.one")
	defer conn.Close()

	require.Eventually(t, func() bool { return h.HasSession("agent.one") }, time.Second, 10*time.Millisecond)

	outcome, err := h.Dispatch(context.Background(), "agent.one", "cid-1", "salt-1", "validator-1")
	require.NoError(t, err)

	var fr frame
	require.NoError(t, conn.ReadJSON(&fr))
	require.Equal(t, "requestProof", fr.Type)
	var req RequestProof
	require.NoError(t, json.Unmarshal(fr.Data, &req))
	require.Equal(t, "cid-1", req.ContentID)

	require.NoError(t, conn.WriteJSON(frame{Type: "proofResponse", Data: mustJSON(ProofResponse{
		ContentID: "cid-1", Salt: "salt-1", Status: model.ResultSuccess, ProofHash: "abc", Elapsed: 120,
	})}))

	select {
	case got := <-outcome:
		require.Equal(t, model.ResultSuccess, got.Status)
		require.Equal(t, "abc", got.ProofHash)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestDispatchWithoutSessionFailsNoEndpoint(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.Dispatch(context.Background(), "ghost", "cid-1", "salt-1", "validator-1")
	require.ErrorIs(t, err, ErrNoEndpoint)
}

func TestDisconnectResolvesPendingAsAgentDisconnected(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialAndRegister(t, srv, "agent.one")
	require.Eventually(t, func() bool { return h.HasSession("agent.one") }, time.Second, 10*time.Millisecond)

	outcome, err := h.Dispatch(context.Background(), "agent.one", "cid-1", "salt-1", "validator-1")
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	select {
	case got := <-outcome:
		require.Equal(t, model.ResultFail, got.Status)
		require.Equal(t, "AgentDisconnected", got.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect resolution")
	}
}

func TestMaxSessionsRejectsBeyondCapacity(t *testing.T) {
	h, srv := newTestHub(t)
	h.SetMaxSessions(1)

	conn1 := dialAndRegister(t, srv, "agent.one")
	defer conn1.Close()
	require.Eventually(t, func() bool { return h.HasSession("agent.one") }, time.Second, 10*time.Millisecond)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn2.Close()

	_, _, err = conn2.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, CloseMaxConnections, closeErr.Code)
}

func TestDuplicateChallengeRejected(t *testing.T) {
	h, srv := newTestHub(t)
	conn := dialAndRegister(t, srv, "agent.one")
	defer conn.Close()
	require.Eventually(t, func() bool { return h.HasSession("agent.one") }, time.Second, 10*time.Millisecond)

	_, err := h.Dispatch(context.Background(), "agent.one", "cid-1", "salt-1", "validator-1")
	require.NoError(t, err)

	_, err = h.Dispatch(context.Background(), "agent.one", "cid-1", "salt-1", "validator-1")
	require.ErrorIs(t, err, ErrDuplicateChallenge)
}
