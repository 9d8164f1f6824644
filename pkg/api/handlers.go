// Package api exposes the read-only query surface over HTTP. All state
// changes go through the component APIs, never through this router.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"dagshield/pkg/challenge"
	"dagshield/pkg/dag"
	"dagshield/pkg/ledger"
	"dagshield/pkg/oracle"
	"dagshield/pkg/registry"
)

// Handler contains the HTTP handlers for the query endpoints.
type Handler struct {
	ledger     *ledger.StakeLedger
	registry   *registry.Registry
	processor  *dag.Processor
	oracle     *oracle.Oracle
	challenges *challenge.Manager
	logger     *zap.Logger
}

// NewHandler creates a query handler over the subsystem components.
func NewHandler(
	l *ledger.StakeLedger,
	reg *registry.Registry,
	proc *dag.Processor,
	o *oracle.Oracle,
	challenges *challenge.Manager,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		ledger:     l,
		registry:   reg,
		processor:  proc,
		oracle:     o,
		challenges: challenges,
		logger:     logger,
	}
}

// GetNode handles GET requests for a node by id.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	node, err := h.registry.GetNode(nodeID)
	if errors.Is(err, registry.ErrNodeNotFound) {
		h.respondError(w, http.StatusNotFound, err)
		return
	}
	h.respondJSON(w, http.StatusOK, node)
}

// ListOwnerNodes handles GET requests for all nodes of an owner.
func (h *Handler) ListOwnerNodes(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	h.respondJSON(w, http.StatusOK, h.registry.NodesByOwner(owner))
}

// GetNetworkStats handles GET requests for network-wide aggregates.
func (h *Handler) GetNetworkStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.registry.NetworkStats())
}

// GetBalance handles GET requests for an owner's ledger position.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]

	position := map[string]uint64{
		"balance": h.ledger.BalanceOf(owner),
		"escrow":  h.ledger.EscrowOf(owner),
	}
	if stake, err := h.ledger.StakeOf(owner); err == nil {
		position["staked"] = stake.Amount
		position["accrued_rewards"] = stake.AccruedRewards
	}
	h.respondJSON(w, http.StatusOK, position)
}

// GetVertex handles GET requests for a graph vertex by transaction hash.
func (h *Handler) GetVertex(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]

	vertex, err := h.processor.GetVertex(hash)
	if errors.Is(err, dag.ErrVertexNotFound) {
		h.respondError(w, http.StatusNotFound, err)
		return
	}
	h.respondJSON(w, http.StatusOK, vertex)
}

// GetAlert handles GET requests for a threat alert by id.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]

	alert, err := h.oracle.GetAlert(alertID)
	if errors.Is(err, oracle.ErrAlertNotFound) {
		h.respondError(w, http.StatusNotFound, err)
		return
	}
	h.respondJSON(w, http.StatusOK, alert)
}

// ListActiveAlerts handles GET requests for alerts still gathering
// confirmations.
func (h *Handler) ListActiveAlerts(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.oracle.ActiveAlerts())
}

// ListAlertRelays handles GET requests for the relay records of an alert.
func (h *Handler) ListAlertRelays(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]
	h.respondJSON(w, http.StatusOK, h.oracle.RelaysForAlert(alertID))
}

// ListPendingRelays handles GET requests for undelivered relay records.
func (h *Handler) ListPendingRelays(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.oracle.PendingRelays())
}

// GetChallenge handles GET requests for a challenge summary.
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	challengeID := mux.Vars(r)["id"]

	c, err := h.challenges.Get(challengeID)
	if errors.Is(err, challenge.ErrChallengeNotFound) {
		h.respondError(w, http.StatusNotFound, err)
		return
	}
	h.respondJSON(w, http.StatusOK, c)
}

// ListActiveChallenges handles GET requests for open challenges.
func (h *Handler) ListActiveChallenges(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.challenges.Active())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
	})
}
