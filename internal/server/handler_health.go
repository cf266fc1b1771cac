package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/jobcoord/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Nodes     int    `json:"nodes"`
	Capacity  string `json:"capacity"`
	Used      string `json:"used"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	nodes, err := s.broker.ListNodes(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	var running int
	var capacity, used model.Resource
	for _, n := range nodes {
		if n.State != model.NodeStateRunning {
			continue
		}
		running++
		capacity = capacity.Add(n.Capacity)
		used = used.Add(n.Used)
	}

	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Nodes:     running,
		Capacity:  capacity.String(),
		Used:      used.String(),
	})
}
