package api

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes sets up the read-only query routes.
func RegisterRoutes(r *mux.Router, h *Handler) {

	// Node lookups back the dashboard's per-device views
	r.HandleFunc("/nodes/{id}", h.GetNode).Methods("GET")
	r.HandleFunc("/owners/{owner}/nodes", h.ListOwnerNodes).Methods("GET")
	r.HandleFunc("/owners/{owner}/balance", h.GetBalance).Methods("GET")

	// Network-wide aggregates
	r.HandleFunc("/stats", h.GetNetworkStats).Methods("GET")

	// Transaction graph
	r.HandleFunc("/vertices/{hash}", h.GetVertex).Methods("GET")

	// Threat alerts and their relay records
	r.HandleFunc("/alerts", h.ListActiveAlerts).Methods("GET")
	r.HandleFunc("/alerts/{id}", h.GetAlert).Methods("GET")
	r.HandleFunc("/alerts/{id}/relays", h.ListAlertRelays).Methods("GET")
	r.HandleFunc("/relays/pending", h.ListPendingRelays).Methods("GET")

	// Challenges
	r.HandleFunc("/challenges", h.ListActiveChallenges).Methods("GET")
	r.HandleFunc("/challenges/{id}", h.GetChallenge).Methods("GET")
}
