package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"evm-defi-agent/internal/chat"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 64 * 1024
)

// wsMessage 是客户端发送的帧，Type 为 query 或 reset，缺省为 query。
type wsMessage struct {
	Type      string `json:"type"`
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

// wsReply 是服务端返回的帧。
type wsReply struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Result    *chat.QueryResult `json:"result,omitempty"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(reply wsReply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleWebSocket 在一条连接上顺序处理多轮对话。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	defaultID := sessionFrom(r, r.URL.Query().Get("session_id"))
	raw.SetReadLimit(wsMaxMessage)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.keepAlive(ctx, conn)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket 连接异常关闭", slog.Any("error", err))
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.send(wsReply{Type: "error", Error: "消息必须是 JSON 对象"})
			continue
		}
		sessionID := strings.TrimSpace(msg.SessionID)
		if sessionID == "" {
			sessionID = defaultID
		}
		if err := conn.send(s.dispatchWS(ctx, sessionID, msg)); err != nil {
			return
		}
	}
}

func (s *Server) dispatchWS(ctx context.Context, sessionID string, msg wsMessage) wsReply {
	switch msg.Type {
	case "reset":
		if err := s.chat.Reset(ctx, sessionID); err != nil {
			return wsReply{Type: "error", SessionID: sessionID, Error: err.Error()}
		}
		return wsReply{Type: "reset", SessionID: sessionID, Message: "Conversation reset successfully"}
	case "", "query":
		if strings.TrimSpace(msg.Query) == "" {
			return wsReply{Type: "error", SessionID: sessionID, Error: "No query provided"}
		}
		result, err := s.chat.Query(ctx, sessionID, msg.Query)
		if err != nil {
			s.logger.Error("WebSocket 查询失败", slog.String("session_id", sessionID), slog.Any("error", err))
			if result == nil {
				return wsReply{Type: "error", SessionID: sessionID, Error: "Error processing query: " + err.Error()}
			}
		}
		return wsReply{Type: "response", SessionID: sessionID, Result: result}
	default:
		return wsReply{Type: "error", SessionID: sessionID, Error: "未知的消息类型: " + msg.Type}
	}
}

func (s *Server) keepAlive(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
