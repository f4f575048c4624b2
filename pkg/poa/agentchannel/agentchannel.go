// Package agentchannel is the persistent, per-agent websocket transport
// PoA challenges are dispatched over. Each connecting agent registers
// once, then holds the connection open for heartbeats and server-pushed
// RequestProof frames; it answers with ProofResponse frames that resolve
// a pending-challenge table keyed by (agent, contentID, salt).
package agentchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/poa/metrics"
	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/store"
)

// Close codes sent to agents for protocol violations or session takeover.
const (
	CloseRegistrationTimeout = 4001
	CloseMissingFields       = 4002
	CloseInvalidAccountName  = 4003
	CloseAccountNotFound     = 4004
	CloseRegistrationFailed  = 4006
	CloseReplacedBySession   = 4005
	CloseMaxConnections      = 1013
)

const (
	registrationDeadline = 10 * time.Second
	heartbeatInterval    = 30 * time.Second
	heartbeatTimeout     = 30 * time.Second
	defaultChallengeTTL  = 30 * time.Second
	pendingCapDefault    = 5000
)

var accountNamePattern = regexp.MustCompile(`^[a-z][a-z0-9.-]{2,15}$`)

// ValidAccountName reports whether name satisfies the lowercase,
// letter-first, 3-16 character account-name format.
func ValidAccountName(name string) bool {
	return accountNamePattern.MatchString(name)
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type registerFrame struct {
	AccountName string `json:"accountName"`
}

// ProofResponse is the agent's answer to a RequestProof frame.
type ProofResponse struct {
	ContentID string                `json:"contentId"`
	Salt      string                `json:"salt"`
	Status    model.ChallengeResult `json:"status"`
	ProofHash string                `json:"proofHash,omitempty"`
	Elapsed   int64                 `json:"elapsed,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// RequestProof is the server-pushed challenge frame.
type RequestProof struct {
	Salt                string `json:"salt"`
	ContentID           string `json:"contentId"`
	RequestingValidator string `json:"requestingValidator"`
	Status              string `json:"status"`
}

// pendingKey identifies one outstanding challenge awaiting a response.
type pendingKey struct {
	AgentID   string
	ContentID string
	Salt      string
}

// Outcome is the resolved result of a dispatched challenge, arriving
// either from the agent's ProofResponse, a deadline firing, or the
// agent's session closing.
type Outcome struct {
	Status    model.ChallengeResult
	ProofHash string
	Elapsed   int64
	Reason    string
}

type pendingEntry struct {
	resolve chan Outcome
	timer   *time.Timer
}

// session is one connected agent's live websocket.
type session struct {
	conn        *websocket.Conn
	agentID     string
	accountName string
	writeMu     sync.Mutex
	closed      chan struct{}
	closeOnce   sync.Once
}

func (s *session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
		close(s.closed)
	})
}

// Hub manages live agent sessions and the pending-challenge table,
// dispatching RequestProof frames and resolving ProofResponse frames.
type Hub struct {
	repo         store.Repository
	log          *zap.Logger
	upgrader     websocket.Upgrader
	pendingCap   int
	maxSessions  int
	challengeTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*session // agentID -> live session
	pending  map[pendingKey]*pendingEntry
}

// New builds a Hub backed by repo, bounding the pending-challenge table
// at pendingCap. Concurrent agent sessions are unbounded until
// SetMaxSessions is called.
func New(repo store.Repository, pendingCap int, log *zap.Logger) *Hub {
	if pendingCap <= 0 {
		pendingCap = pendingCapDefault
	}
	return &Hub{
		repo:         repo,
		log:          log,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		pendingCap:   pendingCap,
		maxSessions:  0, // 0 means unbounded; SetMaxSessions to enforce maxAgentSessions
		challengeTTL: defaultChallengeTTL,
		sessions:     make(map[string]*session),
		pending:      make(map[pendingKey]*pendingEntry),
	}
}

// SetMaxSessions bounds the number of concurrent agent sessions; new
// connections beyond the cap are closed with CloseMaxConnections.
func (h *Hub) SetMaxSessions(n int) {
	h.mu.Lock()
	h.maxSessions = n
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and runs the per-agent session loop
// until the connection closes or registration fails.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("agentchannel: upgrade failed", zap.Error(err))
		return
	}
	h.runSession(r.Context(), conn)
}

func (h *Hub) runSession(ctx context.Context, conn *websocket.Conn) {
	sess := &session{conn: conn, closed: make(chan struct{})}

	h.mu.Lock()
	atCapacity := h.maxSessions > 0 && len(h.sessions) >= h.maxSessions
	h.mu.Unlock()
	if atCapacity {
		sess.close(CloseMaxConnections, "max connections reached")
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(registrationDeadline)); err != nil {
		_ = conn.Close()
		return
	}

	var fr frame
	if err := conn.ReadJSON(&fr); err != nil || fr.Type != "register" {
		sess.close(CloseRegistrationTimeout, "registration timeout")
		return
	}
	var reg registerFrame
	if err := json.Unmarshal(fr.Data, &reg); err != nil || reg.AccountName == "" {
		sess.close(CloseMissingFields, "missing register fields")
		return
	}
	if !ValidAccountName(reg.AccountName) {
		sess.close(CloseInvalidAccountName, "invalid account name")
		return
	}

	agent, err := h.resolveOrCreateAgent(ctx, reg.AccountName)
	if err != nil {
		sess.close(CloseRegistrationFailed, "registration failed")
		return
	}
	sess.agentID = agent.ID
	sess.accountName = agent.AccountName

	h.mu.Lock()
	if prior, ok := h.sessions[agent.ID]; ok {
		h.mu.Unlock()
		prior.close(CloseReplacedBySession, "replaced by new session")
		h.mu.Lock()
	}
	h.sessions[agent.ID] = sess
	h.mu.Unlock()
	metrics.ActiveSessions.Inc()

	if err := sess.writeJSON(frame{Type: "registered"}); err != nil {
		h.removeSession(agent.ID, sess)
		return
	}

	h.pumpSession(ctx, sess)
}

func (h *Hub) resolveOrCreateAgent(ctx context.Context, accountName string) (*model.Agent, error) {
	agents, err := h.repo.EligibleAgents(ctx, time.Now())
	if err == nil {
		for _, a := range agents {
			if a.AccountName == accountName {
				a.LastSeen = time.Now()
				if err := h.repo.UpsertAgent(ctx, a); err != nil {
					return nil, err
				}
				return a, nil
			}
		}
	}
	a := &model.Agent{
		ID:          accountName,
		AccountName: accountName,
		Reputation:  50,
		Status:      model.StatusActive,
		LastSeen:    time.Now(),
	}
	if err := h.repo.UpsertAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("agentchannel: create agent: %w", err)
	}
	return a, nil
}

// pumpSession drives the read loop: heartbeat pong tracking and inbound
// ProofResponse/CIDsList frames, until the connection fails or closes.
func (h *Hub) pumpSession(ctx context.Context, sess *session) {
	defer h.removeSession(sess.agentID, sess)
	defer h.resolveAgentDisconnected(sess.agentID)

	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	})
	if err := sess.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout)); err != nil {
		return
	}

	stopPing := make(chan struct{})
	go h.heartbeatLoop(sess, stopPing)
	defer close(stopPing)

	for {
		var fr frame
		if err := sess.conn.ReadJSON(&fr); err != nil {
			return
		}
		switch fr.Type {
		case "proofResponse":
			var resp ProofResponse
			if err := json.Unmarshal(fr.Data, &resp); err != nil {
				continue
			}
			h.resolveResponse(sess.agentID, resp)
		case "cidsList", "pong":
			// Informational / handled at the transport layer; no action.
		}
	}
}

func (h *Hub) heartbeatLoop(sess *session, stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sess.writeMu.Lock()
			err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			sess.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) removeSession(agentID string, sess *session) {
	h.mu.Lock()
	cur, ok := h.sessions[agentID]
	if ok && cur == sess {
		delete(h.sessions, agentID)
	}
	h.mu.Unlock()
	if ok && cur == sess {
		metrics.ActiveSessions.Dec()
	}
}

// HasSession reports whether agentID has a live session.
func (h *Hub) HasSession(agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[agentID]
	return ok
}

// SessionCount returns the number of live agent sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll closes every live session with websocket.CloseGoingAway
// (1001), used during the runtime's graceful shutdown sequence after
// in-flight challenges have settled.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// errors returned by Dispatch.
var (
	ErrNoEndpoint        = fmt.Errorf("agentchannel: no live session for agent")
	ErrTooManyPending    = fmt.Errorf("agentchannel: pending-challenge table at capacity")
	ErrDuplicateChallenge = fmt.Errorf("agentchannel: duplicate challenge for (agent, content, salt)")
)

// Dispatch sends a RequestProof frame to agentID's live session and
// returns a channel that resolves once the agent responds, the
// per-challenge deadline fires, or the session disconnects.
func (h *Hub) Dispatch(ctx context.Context, agentID, contentID, salt, validator string) (<-chan Outcome, error) {
	h.mu.Lock()
	sess, ok := h.sessions[agentID]
	if !ok {
		h.mu.Unlock()
		return nil, ErrNoEndpoint
	}
	if len(h.pending) >= h.pendingCap {
		h.mu.Unlock()
		return nil, ErrTooManyPending
	}
	key := pendingKey{AgentID: agentID, ContentID: contentID, Salt: salt}
	if _, exists := h.pending[key]; exists {
		h.mu.Unlock()
		return nil, ErrDuplicateChallenge
	}

	entry := &pendingEntry{resolve: make(chan Outcome, 1)}
	entry.timer = time.AfterFunc(h.challengeTTL, func() {
		h.resolveTimeout(key)
	})
	h.pending[key] = entry
	h.reportPendingLocked()
	h.mu.Unlock()

	if err := sess.writeJSON(frame{Type: "requestProof", Data: mustJSON(RequestProof{
		Salt: salt, ContentID: contentID, RequestingValidator: validator, Status: "Pending",
	})}); err != nil {
		h.mu.Lock()
		delete(h.pending, key)
		h.reportPendingLocked()
		h.mu.Unlock()
		entry.timer.Stop()
		return nil, fmt.Errorf("agentchannel: dispatch: %w", err)
	}

	return entry.resolve, nil
}

func (h *Hub) resolveResponse(agentID string, resp ProofResponse) {
	key := pendingKey{AgentID: agentID, ContentID: resp.ContentID, Salt: resp.Salt}
	h.mu.Lock()
	entry, ok := h.pending[key]
	if ok {
		delete(h.pending, key)
		h.reportPendingLocked()
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.resolve <- Outcome{Status: resp.Status, ProofHash: resp.ProofHash, Elapsed: resp.Elapsed, Reason: resp.Error}
}

func (h *Hub) resolveTimeout(key pendingKey) {
	h.mu.Lock()
	entry, ok := h.pending[key]
	if ok {
		delete(h.pending, key)
		h.reportPendingLocked()
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	entry.resolve <- Outcome{Status: model.ResultTimeout, Elapsed: h.challengeTTL.Milliseconds(), Reason: "deadline exceeded"}
}

// resolveAgentDisconnected fails every pending challenge for agentID as
// AgentDisconnected, matching the protocol's disconnect-safety guarantee.
func (h *Hub) resolveAgentDisconnected(agentID string) {
	h.mu.Lock()
	var toResolve []*pendingEntry
	for key, entry := range h.pending {
		if key.AgentID == agentID {
			toResolve = append(toResolve, entry)
			delete(h.pending, key)
		}
	}
	h.reportPendingLocked()
	h.mu.Unlock()
	for _, entry := range toResolve {
		entry.timer.Stop()
		entry.resolve <- Outcome{Status: model.ResultFail, Reason: "AgentDisconnected"}
	}
}

// reportPendingLocked publishes the pending-table occupancy gauge.
// Caller must hold h.mu.
func (h *Hub) reportPendingLocked() {
	metrics.PendingChallenges.Set(float64(len(h.pending)))
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// DialOnce opens a short-lived websocket connection directly to endpoint,
// sends a single RequestProof frame, and waits for the matching
// ProofResponse. It is the fallback path used when an agent has no live
// Hub session registered (Agent.Endpoint), and carries no pending-table
// bookkeeping of its own: the caller's ctx deadline is the only timeout.
func DialOnce(ctx context.Context, endpoint, contentID, salt, validator string) (Outcome, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("agentchannel: dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(frame{Type: "requestProof", Data: mustJSON(RequestProof{
		Salt: salt, ContentID: contentID, RequestingValidator: validator, Status: "Pending",
	})}); err != nil {
		return Outcome{}, fmt.Errorf("agentchannel: dialOnce: write: %w", err)
	}

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		for {
			var fr frame
			if err := conn.ReadJSON(&fr); err != nil {
				done <- result{err: fmt.Errorf("agentchannel: dialOnce: read: %w", err)}
				return
			}
			if fr.Type != "proofResponse" {
				continue
			}
			var resp ProofResponse
			if err := json.Unmarshal(fr.Data, &resp); err != nil {
				done <- result{err: fmt.Errorf("agentchannel: dialOnce: decode: %w", err)}
				return
			}
			done <- result{outcome: Outcome{
				Status: resp.Status, ProofHash: resp.ProofHash, Elapsed: resp.Elapsed, Reason: resp.Error,
			}}
			return
		}
	}()

	select {
	case r := <-done:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
