// Package api provides HTTP handlers and routing for the coordinator
// dashboard and control surface.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Fleet and per-device polling graphs
	api.HandleFunc("/devices", s.handlers.ListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}/summary", s.handlers.DeviceSummary).Methods("GET")
	api.HandleFunc("/devices/{id}/nodes", s.handlers.ListNodes).Methods("GET")
	api.HandleFunc("/devices/{id}/nodes", s.handlers.CreateNode).Methods("POST")
	api.HandleFunc("/devices/{id}/nodes/{key}", s.handlers.UpdateNode).Methods("PUT")
	api.HandleFunc("/devices/{id}/nodes/{key}/trigger", s.handlers.TriggerNode).Methods("POST")
	api.HandleFunc("/devices/{id}/edges", s.handlers.CreateEdge).Methods("POST")

	// Templates
	api.HandleFunc("/templates", s.handlers.RegisterTemplate).Methods("POST")
	api.HandleFunc("/devices/{id}/templates/{templateId}/apply", s.handlers.ApplyTemplate).Methods("POST")

	// Execution history
	api.HandleFunc("/executions", s.handlers.ListExecutions).Methods("GET")
	api.HandleFunc("/executions/{id}", s.handlers.GetExecution).Methods("GET")

	// Quota
	api.HandleFunc("/quota/trackers", s.handlers.ListTrackers).Methods("GET")
	api.HandleFunc("/quota/violations", s.handlers.ListViolations).Methods("GET")
	api.HandleFunc("/quota/required", s.handlers.SetRequired).Methods("POST")

	// Audit trail
	api.HandleFunc("/events", s.handlers.ListEvents).Methods("GET")

	// Global mode
	api.HandleFunc("/mode", s.handlers.GetMode).Methods("GET")
	api.HandleFunc("/mode", s.handlers.SetMode).Methods("POST")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.RateLimitMiddleware)
	s.router.Use(s.handlers.TracingMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
