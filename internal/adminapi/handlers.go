package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"wmprov/internal/session"
)

type versionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, versionResponse{Version: s.version})
}

// sessionView is the JSON projection of one live session.Session — a
// snapshot, not a persisted record. Nothing here survives a restart.
type sessionView struct {
	SourceAddress string `json:"source_address"`
	NodeAddress   string `json:"node_address"`
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
}

func toSessionView(k session.Key, st session.Status) sessionView {
	return sessionView{
		SourceAddress: fmt.Sprintf("%08X", k.SourceAddress),
		NodeAddress:   fmt.Sprintf("%02X%02X%02X%02X", k.NodeAddress[0], k.NodeAddress[1], k.NodeAddress[2], k.NodeAddress[3]),
		SessionID:     fmt.Sprintf("%02X", k.SessionID),
		Status:        st.String(),
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snap := s.router.Snapshot()
	views := make([]sessionView, 0, len(snap))
	for k, sess := range snap {
		views = append(views, toSessionView(k, sess.Status()))
	}
	writeJSON(w, views)
}

// handleSessionStream polls the router's live table and pushes the
// session-table snapshot to the client every second as a server-sent
// event, until the client disconnects. It carries no session history:
// a client connecting after a session finishes will never see it.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			snap := s.router.Snapshot()
			views := make([]sessionView, 0, len(snap))
			for k, sess := range snap {
				views = append(views, toSessionView(k, sess.Status()))
			}
			data, err := json.Marshal(views)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

type networkView struct {
	Name    string  `json:"name"`
	Address *uint32 `json:"address,omitempty"`
	Channel *uint8  `json:"channel,omitempty"`
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	views := make([]networkView, 0, len(s.cfg.Networks))
	for name, n := range s.cfg.Networks {
		views = append(views, networkView{Name: name, Address: n.Address, Channel: n.Channel})
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
