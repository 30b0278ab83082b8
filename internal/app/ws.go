package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"girder/api/internal/collab"
	"girder/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS layer in front of us.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is one WebSocket connection acting as a collab.Sender. Send never
// blocks: events to a slow consumer are dropped and the connection catches
// up from later state-bearing events.
type peer struct {
	conn *websocket.Conn
	send chan collab.Outbound
	done chan struct{}
	once sync.Once
}

func newPeer(conn *websocket.Conn, buffer int) *peer {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &peer{
		conn: conn,
		send: make(chan collab.Outbound, buffer),
		done: make(chan struct{}),
	}
}

func (p *peer) Send(ev collab.Outbound) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- ev:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	projectID := strings.TrimSpace(r.URL.Query().Get("projectId"))
	if projectID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId is required", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return
	}

	connectionID := util.NewID("conn")
	p := newPeer(conn, s.sendBuffer)

	snapshot, err := s.service.registry.Join(r.Context(), projectID, collab.Identity{
		UserID:       session.UserID,
		ConnectionID: connectionID,
		DisplayName:  session.DisplayName,
		Role:         session.Role,
	}, p)
	if err != nil {
		closeCode := websocket.CloseInternalServerErr
		if errors.Is(err, collab.ErrAccessDenied) {
			closeCode = websocket.ClosePolicyViolation
		}
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, err.Error()), deadline)
		conn.Close()
		return
	}

	p.Send(collab.Outbound{
		Type: "session-joined",
		Data: map[string]any{
			"connectionId": connectionID,
			"snapshot":     snapshot,
		},
	})

	go p.writePump()
	s.readPump(r.Context(), p, connectionID)
}

func (s *HTTPServer) readPump(ctx context.Context, p *peer, connectionID string) {
	defer func() {
		s.service.registry.Leave(connectionID)
		p.close()
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read %s: %v", connectionID, err)
			}
			return
		}

		var ev collab.Inbound
		if err := json.Unmarshal(raw, &ev); err != nil {
			p.Send(collab.Outbound{Type: "error", Data: map[string]any{
				"code":  "INVALID_BODY",
				"error": "malformed event",
			}})
			continue
		}

		if err := s.service.router.Dispatch(ctx, connectionID, ev); err != nil {
			s.reportDispatchError(p, err, connectionID)
		}
	}
}

func (s *HTTPServer) reportDispatchError(p *peer, err error, connectionID string) {
	var versionConflict *collab.VersionConflictError
	switch {
	case errors.As(err, &versionConflict):
		// Rejections go only to the submitting connection; everybody else
		// never sees the stale attempt.
		p.Send(collab.Outbound{Type: "version-conflict", Data: map[string]any{
			"serverVersion": versionConflict.ServerVersion,
			"currentState":  versionConflict.CurrentState,
		}})
	case errors.Is(err, collab.ErrUnknownEvent):
		p.Send(collab.Outbound{Type: "error", Data: map[string]any{
			"code":  "UNKNOWN_EVENT",
			"error": err.Error(),
		}})
	case errors.Is(err, collab.ErrSessionNotFound):
		// Connection raced its own teardown; nothing to report.
	default:
		log.Printf("ws dispatch %s: %v", connectionID, err)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
