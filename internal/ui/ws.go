// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package ui

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	sendBuffer  = 256
	maxReadSize = 4096
)

// clientMessage is what presentation clients send back.
type clientMessage struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Button int    `json:"button"`
}

const clientDialogResponse = "dialog.response"

// Handler serves the presentation channel over a websocket.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler for hub. checkOrigin may be nil to
// accept same-origin requests only.
func NewHandler(hub *Hub, checkOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// ServeHTTP upgrades the connection, replays the current menus and then
// streams hub messages until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	msgs, cancel := h.hub.Subscribe(sendBuffer)
	for _, m := range h.hub.Menus() {
		menu := m
		if err := writeMessage(conn, Message{Type: MessageMenuRegister, PluginID: menu.PluginID, Menu: &menu, Time: time.Now()}); err != nil {
			cancel()
			_ = conn.Close()
			return
		}
	}

	go h.readPump(conn, cancel)
	h.writePump(conn, msgs)
}

func (h *Handler) writePump(conn *websocket.Conn, msgs <-chan Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if err := writeMessage(conn, msg); err != nil {
				slog.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, cancel func()) {
	defer cancel()

	conn.SetReadLimit(maxReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "error", err)
			}
			return
		}
		if msg.Type == clientDialogResponse && !h.hub.Respond(msg.ID, msg.Button) {
			slog.Debug("dialog response for unknown request", "id", msg.ID)
		}
	}
}

func writeMessage(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
