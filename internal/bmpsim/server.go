// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bmpsim

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes a Controller's event stream over HTTP, for local/manual
// runs via cmd/allocatord: a health check and a WebSocket feed of Event
// values as they're resolved. Not part of any exposed engine operation;
// purely an observability aid modeled on the teacher's WebSocketServer/
// mock-router pairing.
type Server struct {
	ctrl     *Controller
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer builds a Server around ctrl. Call Handler to obtain the
// http.Handler to serve.
func NewServer(ctrl *Controller) *Server {
	s := &Server{
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	return s
}

// Handler returns the http.Handler to mount (e.g. with http.ListenAndServe).
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"stopped": s.ctrl.Stopped()})
}

// handleEvents upgrades to a WebSocket and streams Controller.Events()
// until the client disconnects or the request context is cancelled.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.ctrl.log.Warn("bmpsim: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.ctrl.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
