package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 60 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 256
)

// wsControlPlane upgrades /ws requests and speaks the req/res/event frame
// protocol. One wsConn per client; events fan out through a buffered send
// queue so a stalled client never blocks a session.
type wsControlPlane struct {
	server   *Server
	upgrader websocket.Upgrader
}

func (s *Server) newWSControlPlane() http.Handler {
	return &wsControlPlane{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				// Local daemon; the listener binds loopback by default.
				return true
			},
		},
	}
}

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsChatSendParams struct {
	Message        string                 `json:"message"`
	UserID         string                 `json:"user_id"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	AgentID        string                 `json:"agent_id,omitempty"`
	Stream         *bool                  `json:"stream,omitempty"`
	Files          []dazee.FileAttachment `json:"files,omitempty"`
	Variables      map[string]string      `json:"variables,omitempty"`
}

type wsChatAbortParams struct {
	SessionID string `json:"session_id"`
}

type wsConn struct {
	control *wsControlPlane
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	id  string
	seq int64
}

func (h *wsControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		control: h,
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
	}
	h.server.logger.Debug("gateway: ws connected", "conn_id", c.id, "remote", r.RemoteAddr)
	c.run()
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	go c.startTicking()
	c.readLoop()
}

// close cancels the connection context and closes the socket. The send
// channel is left open: forwarding goroutines may still hold it, and they
// all exit on ctx.Done.
func (c *wsConn) close() {
	c.cancel()
	_ = c.conn.Close()
	c.control.server.logger.Debug("gateway: ws closed", "conn_id", c.id)
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := c.decodeFrame(data)
		if err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}

		if err := c.handleRequest(frame); err != nil {
			c.sendError(frame.ID, "request_failed", err.Error())
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) decodeFrame(raw []byte) (*wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateWSRequestFrame(raw, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (c *wsConn) handleRequest(frame *wsFrame) error {
	switch frame.Method {
	case "ping":
		return c.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
	case "chat.send":
		return c.handleChatSend(frame)
	case "chat.abort":
		return c.handleChatAbort(frame)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (c *wsConn) handleChatSend(frame *wsFrame) error {
	var params wsChatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}

	req := dazee.ChatRequest{
		UserID:         params.UserID,
		ConversationID: params.ConversationID,
		AgentID:        params.AgentID,
		Message:        params.Message,
		Files:          params.Files,
		Variables:      params.Variables,
	}

	sessionID, events, err := c.control.server.chat.Send(c.ctx, req)
	if err != nil {
		return err
	}

	if err := c.sendResponse(frame.ID, true, map[string]any{
		"status":     "accepted",
		"session_id": sessionID,
	}, nil); err != nil {
		return err
	}

	go c.forwardEvents(frame.ID, sessionID, events)
	return nil
}

// forwardEvents relays a session's envelopes as event frames until the
// channel closes, then emits a final done frame.
func (c *wsConn) forwardEvents(requestID, sessionID string, events <-chan dazee.Event) {
	logger := c.control.server.logger
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				_ = c.sendEvent(string(dazee.EventDone), map[string]any{ //nolint:errcheck
					"request_id": requestID,
					"session_id": sessionID,
				})
				return
			}
			if err := c.sendEvent(string(ev.Type), ev); err != nil {
				// Queue overflow: the client is too slow for its own
				// stream. Drop the connection; replay covers the gap.
				logger.Warn("gateway: ws subscriber lagging, dropping", "conn_id", c.id, "session_id", sessionID)
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) handleChatAbort(frame *wsFrame) error {
	var params wsChatAbortParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	err := c.control.server.chat.Stop(params.SessionID)
	return c.sendResponse(frame.ID, true, map[string]any{"aborted": err == nil}, nil)
}

func (c *wsConn) sendResponse(id string, ok bool, payload any, wsErr *wsError) error {
	return c.enqueue(wsFrame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   wsErr,
	})
}

func (c *wsConn) sendEvent(event string, payload any) error {
	seq := atomic.AddInt64(&c.seq, 1)
	return c.enqueue(wsFrame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	})
}

func (c *wsConn) sendError(id string, code string, message string) {
	_ = c.sendResponse(id, false, nil, &wsError{Code: code, Message: message}) //nolint:errcheck
}

func (c *wsConn) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *wsConn) startTicking() {
	ticker := time.NewTicker(c.control.server.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()}) //nolint:errcheck
		}
	}
}
