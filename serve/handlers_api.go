package serve

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/everydev1618/devhost/project"
)

// StatsResponse summarizes projects and ports.
type StatsResponse struct {
	TotalProjects  int                    `json:"total_projects"`
	ByStatus       map[project.Status]int `json:"by_status"`
	AllocatedPorts int                    `json:"allocated_ports"`
	PortsByType    map[string]int         `json:"ports_by_type"`
	Uptime         string                 `json:"uptime"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	projects, err := s.daemon.Projects(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	stats := StatsResponse{
		TotalProjects: len(projects),
		ByStatus:      make(map[project.Status]int),
		PortsByType:   make(map[string]int),
		Uptime:        time.Since(s.startedAt).Truncate(time.Second).String(),
	}
	for _, p := range projects {
		stats.ByStatus[p.Status]++
	}
	for _, a := range s.daemon.Ports() {
		stats.AllocatedPorts++
		stats.PortsByType[string(a.Type)]++
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
