// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package ui_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhang142857/serverhub-sub000/internal/ui"
)

func TestHandler_StreamsMenusAndDialogResponses(t *testing.T) {
	hub := ui.NewHub()
	hub.RegisterMenu("p", ui.Menu{ID: "p:main", Label: "Main"})

	srv := httptest.NewServer(ui.NewHandler(hub, func(*http.Request) bool { return true }))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var replay ui.Message
	require.NoError(t, conn.ReadJSON(&replay))
	assert.Equal(t, ui.MessageMenuRegister, replay.Type)
	require.NotNil(t, replay.Menu)
	assert.Equal(t, "p:main", replay.Menu.ID)

	result := make(chan int, 1)
	go func() {
		button, err := hub.Dialog(context.Background(), "p", ui.Dialog{Title: "Go?", Buttons: []string{"no", "yes"}})
		if err == nil {
			result <- button
		}
	}()

	var dialog ui.Message
	require.NoError(t, conn.ReadJSON(&dialog))
	require.Equal(t, ui.MessageDialog, dialog.Type)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dialog.response", "id": dialog.ID, "button": 1}))

	select {
	case button := <-result:
		assert.Equal(t, 1, button)
	case <-time.After(5 * time.Second):
		t.Fatal("dialog response not delivered")
	}
}
