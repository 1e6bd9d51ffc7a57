// Package api exposes the state of the tunnel worker over a small local HTTP
// endpoint.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/danielpaulus/go-dnstun/dnstun/tunnel"
)

// DefaultPort is the port the status HTTP server listens on.
const DefaultPort = 28053

// Tracker records the most recent worker status. Its Notify method is handed
// to the worker as tunnel.StatusNotifier.
type Tracker struct {
	mu        sync.Mutex
	status    tunnel.Status
	resolvers []tunnel.Resolver
}

func NewTracker() *Tracker {
	return &Tracker{status: tunnel.StatusStopped}
}

// Notify implements tunnel.StatusNotifier.
func (t *Tracker) Notify(status tunnel.Status) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// SetResolvers records the resolver layout of the current session.
func (t *Tracker) SetResolvers(resolvers []tunnel.Resolver) {
	t.mu.Lock()
	t.resolvers = resolvers
	t.mu.Unlock()
}

// Status returns the last observed worker status.
func (t *Tracker) Status() tunnel.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

type statusResponse struct {
	Status    string            `json:"status"`
	Resolvers []tunnel.Resolver `json:"resolvers"`
}

func statusHandler(t *Tracker) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		t.mu.Lock()
		response := statusResponse{
			Status:    t.status.String(),
			Resolvers: t.resolvers,
		}
		t.mu.Unlock()

		writer.Header().Add("Content-Type", "application/json")
		enc := json.NewEncoder(writer)
		if err := enc.Encode(response); err != nil {
			return
		}
	}
}

// ServeStatus starts a simple http server that exposes the current tunnel
// status on localhost:{port}/status. It blocks.
func ServeStatus(t *Tracker, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", statusHandler(t))
	if err := http.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", port), mux); err != nil {
		return fmt.Errorf("ServeStatus: failed to start http server: %w", err)
	}
	return nil
}
