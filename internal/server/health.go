package server

import (
	"encoding/json"
	"net/http"
)

type providerHealth struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string           `json:"status"`
	Version     string           `json:"version,omitempty"`
	Providers   []providerHealth `json:"providers"`
	Sessions    int              `json:"sessions"`
	Terminals   int              `json:"terminals"`
	Connections int              `json:"connections"`
}

// handleHealth reports "ok" when at least one provider is ready.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "degraded",
		Version:     s.opts.Version,
		Providers:   []providerHealth{},
		Connections: s.ConnectionCount(),
	}
	if reg := s.opts.Registry; reg != nil {
		for _, a := range reg.Adapters() {
			ph := providerHealth{ID: a.ID(), Kind: string(a.Kind()), Ready: reg.Ready(a.ID())}
			if err := reg.InitError(a.ID()); err != nil && !ph.Ready {
				ph.Error = err.Error()
			}
			if ph.Ready {
				resp.Status = "ok"
			}
			resp.Providers = append(resp.Providers, ph)
		}
		resp.Sessions = len(reg.Sessions())
	}
	if s.opts.Terminals != nil {
		resp.Terminals = s.opts.Terminals.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
