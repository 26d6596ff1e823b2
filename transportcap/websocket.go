// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package transportcap

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// ErrInvalidMessage is returned when a websocket frame is not binary.
var ErrInvalidMessage = errors.New("transportcap: message type not binary")

// WebSocket is a Listener for MQTT-over-websocket connections.
type WebSocket struct {
	id        string
	address   string
	server    *http.Server
	log       *slog.Logger
	upgrader  *websocket.Upgrader
	establish EstablishFn
	end       uint32
}

// NewWebSocket returns a websocket Listener bound to address, accepting
// the "mqtt" subprotocol as the teacher's listener does.
func NewWebSocket(id, address string) *WebSocket {
	return &WebSocket{
		id:      id,
		address: address,
		upgrader: &websocket.Upgrader{
			Subprotocols:    []string{"mqtt"},
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (l *WebSocket) ID() string      { return l.id }
func (l *WebSocket) Address() string { return l.address }

func (l *WebSocket) Init(log *slog.Logger) error {
	l.log = log

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)
	l.server = &http.Server{
		Addr:         l.address,
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return nil
}

func (l *WebSocket) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	l.established(conn, r.RemoteAddr)
}

func (l *WebSocket) established(conn *websocket.Conn, remote string) {
	if l.establish == nil {
		conn.Close()
		return
	}
	l.establish(l.id, &wsConn{Conn: conn.UnderlyingConn(), ws: conn}, remote)
}

func (l *WebSocket) Serve(establish EstablishFn) {
	l.establish = establish
	_ = l.server.ListenAndServe()
}

func (l *WebSocket) Close(closeClients CloseFn) {
	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.server.Shutdown(ctx)
	}
	closeClients(l.id)
}

// wsConn adapts a gorilla websocket.Conn to net.Conn, per the teacher's
// wsConn wrapper.
type wsConn struct {
	net.Conn
	ws *websocket.Conn
}

func (c *wsConn) Read(p []byte) (int, error) {
	op, r, err := c.ws.NextReader()
	if err != nil {
		return 0, err
	}
	if op != websocket.BinaryMessage {
		return 0, ErrInvalidMessage
	}

	var n int
	for {
		br, err := r.Read(p[n:])
		n += br
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return n, err
		}
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.Conn.Close()
}
