// Package ws pushes ledger notifications to connected agents over a
// websocket. A client opens the socket, sends HELLO with its agent id, and
// from then on receives a NOTIFY message whenever its ledger grows, plus one
// NOTIFICATION message per new unread notification. The only client message
// after the handshake is MARK_READ.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradepost.ai/internal/sim/ledger"
)

const protocolVersion = "1.0"

type helloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentID         string `json:"agentId"`
}

type welcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AgentID         string `json:"agentId"`
	DisplayName     string `json:"displayName"`
	Session         int    `json:"session"`
	TradingOpen     bool   `json:"tradingOpen"`
}

type notifyMsg struct {
	Type        string  `json:"type"`
	LastEventID int64   `json:"lastEventId"`
	Funds       float64 `json:"funds"`
	UnreadCount int     `json:"unreadCount"`
	Session     int     `json:"session"`
	TradingOpen bool    `json:"tradingOpen"`
}

type notificationMsg struct {
	Type         string              `json:"type"`
	Notification ledger.Notification `json:"notification"`
}

type markReadMsg struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type Server struct {
	ledger *ledger.Ledger
	log    *log.Logger

	pollEvery time.Duration
	upgrader  websocket.Upgrader
}

func NewServer(l *ledger.Ledger, logger *log.Logger) *Server {
	return &Server{
		ledger:    l,
		log:       logger,
		pollEvery: time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		agentID, seed := s.handshake(r.Context(), conn)
		if agentID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Poller goroutine: watches the ledger and writes to the socket.
		go s.poll(ctx, cancel, conn, agentID, seed)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			var mr markReadMsg
			if err := json.Unmarshal(msg, &mr); err != nil {
				continue
			}
			if mr.Type != "MARK_READ" {
				continue
			}
			if _, err := s.ledger.Append(ctx, agentID, ledger.EvMarkNotifsRead, ledger.MarkNotifsReadPayload{IDs: mr.IDs}); err != nil {
				s.log.Printf("ws %s: mark read: %v", agentID, err)
			}
		}
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (string, ledger.AgentState) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", ledger.AgentState{}
	}

	var hello helloMsg
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != "HELLO" {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", ledger.AgentState{}
	}
	if hello.ProtocolVersion != protocolVersion {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", ledger.AgentState{}
	}
	agentID := strings.TrimSpace(hello.AgentID)
	if agentID == "" {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "agentId is required"), time.Now().Add(time.Second))
		return "", ledger.AgentState{}
	}

	st, err := s.ledger.EnsureAgent(ctx, agentID)
	if err != nil {
		s.log.Printf("ws %s: ensure agent: %v", agentID, err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "agent init failed"), time.Now().Add(time.Second))
		return "", ledger.AgentState{}
	}

	if err := writeJSON(conn, welcomeMsg{
		Type:            "WELCOME",
		ProtocolVersion: protocolVersion,
		AgentID:         agentID,
		DisplayName:     st.Profile.DisplayName,
		Session:         st.Session.Current,
		TradingOpen:     st.Session.TradingOpen,
	}); err != nil {
		return "", ledger.AgentState{}
	}
	return agentID, st
}

// poll pushes NOTIFY whenever the agent's ledger has grown, and each new
// unread notification exactly once per connection.
func (s *Server) poll(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, agentID string, seed ledger.AgentState) {
	defer cancel()

	// Only changes after the handshake are pushed; the WELCOME already
	// carried a fresh state.
	lastEventID := seed.LastEventID
	sent := map[string]struct{}{}
	for _, n := range seed.Notifications {
		sent[n.ID] = struct{}{}
	}

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := s.ledger.State(ctx, agentID)
		if err != nil {
			s.log.Printf("ws %s: state: %v", agentID, err)
			continue
		}
		if st.LastEventID == lastEventID {
			continue
		}
		lastEventID = st.LastEventID

		for _, n := range st.Notifications {
			if n.Read {
				continue
			}
			if _, dup := sent[n.ID]; dup {
				continue
			}
			sent[n.ID] = struct{}{}
			if err := writeJSON(conn, notificationMsg{Type: "NOTIFICATION", Notification: n}); err != nil {
				return
			}
		}

		if err := writeJSON(conn, notifyMsg{
			Type:        "NOTIFY",
			LastEventID: st.LastEventID,
			Funds:       st.Profile.CurrentFunds,
			UnreadCount: st.UnreadNotifications(),
			Session:     st.Session.Current,
			TradingOpen: st.Session.TradingOpen,
		}); err != nil {
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
