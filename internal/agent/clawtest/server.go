// Package clawtest provides a fake claw runtime control endpoint for tests.
package clawtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// Server is an httptest server speaking the claw control protocol.
type Server struct {
	*httptest.Server

	status   atomic.Int32
	restarts atomic.Int32
	delay    atomic.Int64

	mu       sync.Mutex
	config   []byte
	messages []v1.Message
}

// NewServer starts a healthy fake claw and closes it with the test.
func NewServer(t testing.TB) *Server {
	s := &Server{}
	s.status.Store(http.StatusOK)

	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if d := time.Duration(s.delay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(int(s.status.Load()))
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var msg v1.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.messages = append(s.messages, msg)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(v1.MessageResponse{ID: msg.ID, Content: "echo: " + msg.Content})
	})
	mux.HandleFunc("/v1/config", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.Method == http.MethodPut {
			s.config, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write(s.config)
	})
	mux.HandleFunc("/v1/metrics", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(v1.AgentMetrics{CPUPercent: 1.5, MemoryMB: 32, QueueDepth: 2})
	})
	mux.HandleFunc("/v1/restart", func(w http.ResponseWriter, _ *http.Request) {
		s.restarts.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		topic := r.URL.Query().Get("topic")
		for i := 0; i < 3; i++ {
			ev := v1.StreamEvent{Topic: topic, Type: "tick", Data: map[string]any{"n": i}, Timestamp: time.Now().UTC()}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// SetHealthy switches the health endpoint between 200 and 503.
func (s *Server) SetHealthy(ok bool) {
	if ok {
		s.status.Store(http.StatusOK)
	} else {
		s.status.Store(http.StatusServiceUnavailable)
	}
}

// SetHealthDelay makes the health endpoint answer after d.
func (s *Server) SetHealthDelay(d time.Duration) { s.delay.Store(int64(d)) }

// HealthURL is the health endpoint.
func (s *Server) HealthURL() string { return s.URL + "/health" }

// Restarts counts POST /v1/restart calls.
func (s *Server) Restarts() int { return int(s.restarts.Load()) }

// Config returns the last config pushed.
func (s *Server) Config() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.config...)
}

// Messages returns the messages received so far.
func (s *Server) Messages() []v1.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.Message(nil), s.messages...)
}
