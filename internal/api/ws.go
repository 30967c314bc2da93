package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

const (
	socketReadLimit    = 16 * 1024
	socketWriteTimeout = 5 * time.Second
)

// socketFrame is sent by clients. Type defaults to "trigger" when Trigger
// is set.
type socketFrame struct {
	Type     string         `json:"type,omitempty"`
	Trigger  string         `json:"trigger,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// socketReply is sent by the server
type socketReply struct {
	Type   string            `json:"type"`
	Status *syncqueue.Status `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// RegisterSocket mounts the sync trigger stream on the router. Clients that
// hold a long-lived connection (browser tabs, desktop shells) use it to
// report focus, visibility and route changes without one request per event.
func (s *Server) RegisterSocket(r chi.Router) {
	r.Get("/sync/ws", s.handleSyncSocket)
}

func (s *Server) handleSyncSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(socketReadLimit)
	s.logger.Debug("sync socket connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				s.logger.Debug("sync socket closed", "remote", r.RemoteAddr)
			} else {
				s.logger.Warn("sync socket read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}

		reply := s.handleSocketFrame(data)
		if err := s.writeSocket(ctx, conn, reply); err != nil {
			s.logger.Warn("sync socket write failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

func (s *Server) handleSocketFrame(data []byte) socketReply {
	var frame socketFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return socketReply{Type: "error", Error: "invalid frame: " + err.Error()}
	}

	if frame.Type == "" && frame.Trigger != "" {
		frame.Type = "trigger"
	}

	switch frame.Type {
	case "ping":
		return socketReply{Type: "pong"}

	case "status":
		status := s.queue.Status()
		return socketReply{Type: "status", Status: &status}

	case "trigger":
		if frame.Trigger == "" {
			return socketReply{Type: "error", Error: "trigger frame without trigger"}
		}
		s.queue.QueueEvent(frame.Trigger, frame.Metadata)
		status := s.queue.Status()
		return socketReply{Type: "status", Status: &status}

	default:
		return socketReply{Type: "error", Error: fmt.Sprintf("unknown frame type %q", frame.Type)}
	}
}

func (s *Server) writeSocket(ctx context.Context, conn *websocket.Conn, reply socketReply) error {
	ctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, reply)
}
