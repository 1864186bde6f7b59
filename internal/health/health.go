// Package health exposes the coordinator's HTTP health endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentcoord/agentcoord/pkg/backend"
)

// Server provides GET /healthz for liveness probes: 200 when the shared
// backend is reachable, 503 otherwise.
type Server struct {
	b      backend.Backend
	server *http.Server
}

// NewServer creates a health server over the shared backend.
func NewServer(b backend.Backend) *Server {
	return &Server{b: b}
}

// Start begins serving on addr (e.g. ":8080") in the background.
func (h *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health server error: %v\n", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (h *Server) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// Response is the JSON body returned by /healthz.
type Response struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := Response{Status: "healthy", Backend: "connected"}
	code := http.StatusOK
	if err := h.b.Ping(ctx); err != nil {
		resp = Response{Status: "unhealthy", Backend: "disconnected", Error: err.Error()}
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
