package api

import (
	"net/http"

	"quantum-collab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Session management endpoints
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")

	// Session state endpoints
	api.HandleFunc("/sessions/{id}/content", h.GetContent).Methods("GET")
	api.HandleFunc("/sessions/{id}/participants", h.GetParticipants).Methods("GET")
	api.HandleFunc("/sessions/{id}/participants", h.AddParticipant).Methods("POST")
	api.HandleFunc("/sessions/{id}/history", h.GetHistory).Methods("GET")
	api.HandleFunc("/sessions/{id}/comments", h.GetComments).Methods("GET")
	api.HandleFunc("/sessions/{id}/cleanup", h.Cleanup).Methods("POST")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket route
	r.HandleFunc("/ws/sessions/{id}", h.wsHandler.ServeWS)

	return r
}
