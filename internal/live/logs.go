package live

import (
	"log/slog"
	"time"
)

// LogFrame is one live log line pushed to stream clients.
type LogFrame struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Timestamp string `json:"timestamp"`
	Log       string `json:"log"`
}

// LogServer streams every tailed log line to connected clients.
type LogServer struct {
	*Server
	nodeID string
}

// NewLogServer creates a stopped log stream server on addr.
func NewLogServer(addr, nodeID string, logger *slog.Logger) *LogServer {
	ls := &LogServer{nodeID: nodeID}
	ls.Server = NewServer("livelogs", addr, ls.welcomeFrame, nil, logger)
	return ls
}

// PublishLine fans one tailed line out to all connected clients. Cheap when
// nobody is connected.
func (ls *LogServer) PublishLine(line string) {
	if ls.ClientCount() == 0 {
		return
	}
	ls.Broadcast(LogFrame{
		Type:      "live_log",
		NodeID:    ls.nodeID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Log:       line,
	})
}

func (ls *LogServer) welcomeFrame() any {
	return map[string]any{
		"type":      "connection",
		"status":    "connected",
		"node_id":   ls.nodeID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}
