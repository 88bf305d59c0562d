package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"focusshield/internal/messaging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxWSMessage = 32 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsReply wraps a message response on the event stream.
type wsReply struct {
	Type     string             `json:"type"`
	Request  messaging.Kind     `json:"request"`
	Response messaging.Response `json:"response"`
}

// handleTabEvents streams the tab's events over a websocket. Text frames from
// the client are decoded as page messages and answered on the same stream.
func (s *Server) handleTabEvents(w http.ResponseWriter, r *http.Request) {
	tab, ok := s.tabFromRequest(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("tab", tab.ID), zap.Error(err))
		return
	}
	events, cancel := tab.Subscribe()
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	replies := make(chan wsReply, 8)
	done := make(chan struct{})
	go s.readPump(ctx, conn, tab, replies, done)
	s.writePump(conn, events, replies, done)
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, tab *Tab, replies chan<- wsReply, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxWSMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read error", zap.String("tab", tab.ID), zap.Error(err))
			}
			return
		}
		req, err := messaging.Decode(msg)
		if errors.Is(err, messaging.ErrIgnored) {
			continue
		}
		if err != nil {
			s.log.Debug("websocket message rejected", zap.String("tab", tab.ID), zap.Error(err))
			continue
		}
		if target, _ := req.Kind.Target(); target != messaging.Page {
			continue
		}
		resp := tab.Handle(ctx, s.loadSettings, req)
		s.metrics.Message(string(req.Kind), resp.OK)
		select {
		case replies <- wsReply{Type: "response", Request: req.Kind, Response: resp}:
		default:
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, events <-chan Event, replies <-chan wsReply, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	write := func(v any) bool {
		b, err := json.Marshal(v)
		if err != nil {
			return false
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, b) == nil
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tab closed"))
				return
			}
			if !write(ev) {
				return
			}
		case rep := <-replies:
			if !write(rep) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
