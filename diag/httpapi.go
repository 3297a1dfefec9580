// SPDX-License-Identifier: LGPL-2.1-or-later

// Package diag exposes a read-only diagnostics HTTP surface (not part of
// the message-bus API) for debugging a running daemon without a D-Bus
// client: JSON/YAML dumps of control-core state and the loaded mode
// registry.
package diag

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"

	"github.com/JamiKettunen/usb-moded/cable"
	"github.com/JamiKettunen/usb-moded/modes"
)

// Core is the subset of control.Core the diagnostics server reads.
type Core interface {
	Internal() modes.Name
	Target() modes.Name
	External() modes.Name
	CableState() cable.State
}

// Status is the JSON/YAML-serializable snapshot served at GET /status.
type Status struct {
	Internal string `json:"internal" yaml:"internal"`
	Target   string `json:"target" yaml:"target"`
	External string `json:"external" yaml:"external"`
	Cable    string `json:"cable" yaml:"cable"`
}

// ModeInfo is one entry of the GET /modes dump.
type ModeInfo struct {
	Name         string `json:"name" yaml:"name"`
	Module       string `json:"module,omitempty" yaml:"module,omitempty"`
	NeedsAppsync bool   `json:"needs_appsync" yaml:"needs_appsync"`
	NeedsNetwork bool   `json:"needs_network" yaml:"needs_network"`
}

// Server serves the diagnostics HTTP API over a gorilla/mux router.
type Server struct {
	core     Core
	registry *modes.Registry
	router   *mux.Router
}

func NewServer(core Core, registry *modes.Registry) *Server {
	s := &Server{core: core, registry: registry, router: mux.NewRouter()}
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/modes", s.handleModes).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Internal: string(s.core.Internal()),
		Target:   string(s.core.Target()),
		External: string(s.core.External()),
		Cable:    s.core.CableState().String(),
	}
	writeBody(w, r, status)
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request) {
	var out []ModeInfo
	for _, name := range s.registry.Names() {
		def, _ := s.registry.Lookup(name)
		out = append(out, ModeInfo{
			Name:         string(def.Name),
			Module:       def.Module,
			NeedsAppsync: def.NeedsAppsync,
			NeedsNetwork: def.NeedsNetwork,
		})
	}
	writeBody(w, r, out)
}

// writeBody serves YAML when the caller asks for it via ?format=yaml,
// JSON otherwise.
func writeBody(w http.ResponseWriter, r *http.Request, v interface{}) {
	if r.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		_ = enc.Encode(v)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
