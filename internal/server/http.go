package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"

	"github.com/zeusync/syncplant/internal/core/protocol/websocket"
)

type health struct {
	Status   string   `json:"status"`
	Sessions int      `json:"sessions"`
	Groups   []string `json:"groups"`
}

// Handler serves the websocket endpoint and the health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.WebsocketPath, websocket.NewHandler(s.config.Protocol, s.accept, s.checkOrigin(), s.logger))
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := health{Status: "ok", Sessions: s.SessionCount(), Groups: s.groups.IDs()}
	code := http.StatusOK
	if s.closed.Load() {
		status.Status = "closing"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) checkOrigin() func(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(s.config.AllowedOrigins, origin) || slices.Contains(s.config.AllowedOrigins, u.Host)
	}
}
