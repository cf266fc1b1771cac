package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "jobcoord broker",
		Version:     "v1",
		Description: "Resource broker: applications, slot negotiation and node membership",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Broker health and version"},
			{"/api/v1/apps", []string{"GET", "POST"}, "List or submit applications"},
			{"/api/v1/apps/{id}", []string{"GET"}, "Application report"},
			{"/api/v1/apps/{id}/kill", []string{"PUT"}, "Kill an application"},
			{"/api/v1/apps/{id}/slots", []string{"GET"}, "Slots of an application with log tails"},
			{"/api/v1/apps/{id}/coordinator", []string{"POST"}, "Register the coordinator (X-App-Token)"},
			{"/api/v1/apps/{id}/allocate", []string{"POST"}, "Coordinator heartbeat: asks, releases, grants, completions (X-App-Token)"},
			{"/api/v1/apps/{id}/unregister", []string{"POST"}, "Report the final status (X-App-Token)"},
			{"/api/v1/nodes", []string{"GET", "POST"}, "List or register nodes (X-Node-Key)"},
			{"/api/v1/nodes/{id}/heartbeat", []string{"PUT"}, "Node heartbeat (X-Node-Key)"},
			{"/api/v1/nodes/{id}", []string{"DELETE"}, "Deregister a node (X-Node-Key)"},
			{"/api/v1/slots/{id}/started", []string{"PUT"}, "Task started in a slot (X-Node-Key)"},
			{"/api/v1/slots/{id}/complete", []string{"PUT"}, "Task in a slot ended (X-Node-Key)"},
		},
	})
}
