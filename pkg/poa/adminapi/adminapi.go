// Package adminapi is the read-only JSON-over-HTTP surface for
// dashboards and event streams: agent records, contract event history,
// and payout audit rows. It mirrors rpcsrv's method-dispatch shape —
// one handler per resource, typed response structs — over plain HTTP
// request/response instead of JSON-RPC's bidirectional envelope.
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/poa/store"
)

const defaultAuditLimit = 100

// Handler serves the admin read API over repo.
type Handler struct {
	repo store.Repository
	log  *zap.Logger
	mux  *http.ServeMux
}

// New builds a Handler. Mount it with a net/http server bound to
// cfg.Core.AdminAPIAddress.
func New(repo store.Repository, log *zap.Logger) *Handler {
	h := &Handler{repo: repo, log: log, mux: http.NewServeMux()}
	h.mux.HandleFunc("/agents/", h.handleAgent)
	h.mux.HandleFunc("/contracts/", h.handleContractEvents)
	h.mux.HandleFunc("/audit", h.handleAudit)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

// agentView is the JSON shape returned by GET /agents/{id}.
type agentView struct {
	ID              string    `json:"id"`
	AccountName     string    `json:"accountName"`
	Reputation      int       `json:"reputation"`
	Status          string    `json:"status"`
	ConsecutiveFail int       `json:"consecutiveFail"`
	Streak          int       `json:"streak"`
	LastSeen        time.Time `json:"lastSeen"`
}

func (h *Handler) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/agents/")
	if id == "" {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}
	a, err := h.repo.GetAgent(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, agentView{
		ID: a.ID, AccountName: a.AccountName, Reputation: a.Reputation,
		Status: string(a.Status), ConsecutiveFail: a.ConsecutiveFail,
		Streak: a.Streak, LastSeen: a.LastSeen,
	})
}

func (h *Handler) handleContractEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/contracts/"), "/events")
	if id == "" || !strings.HasSuffix(r.URL.Path, "/events") {
		http.Error(w, "expected /contracts/{id}/events", http.StatusNotFound)
		return
	}
	events, err := h.repo.ContractEvents(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, events)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := h.repo.AuditRows(r.Context(), limit)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, rows)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("adminapi: encode response failed", zap.Error(err))
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.log.Error("adminapi: request failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}
