package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/galaxy/internal/runner"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Lang    string `json:"lang,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := s.hub.add(conn)
	defer s.hub.remove(c)

	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *client, msg wsIncoming) {
	switch msg.Type {
	case "run":
		// Runs outlive the connection that started them. Launch failures are
		// already broadcast as events.
		s.sup.StartRun(context.Background(), runner.RunRequest{Code: msg.Code, Lang: msg.Lang})
	case "input":
		s.sup.SendInput(msg.Content)
	case "stop":
		s.sup.Stop()
	default:
		if err := c.writeJSON(wsOutgoing{Type: "error", Content: "unknown message type: " + msg.Type}); err != nil {
			s.logger.Debug("websocket write failed", zap.Error(err))
		}
	}
}
