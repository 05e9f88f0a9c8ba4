package channel

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one upgraded User Channel connection. Send is safe for
// concurrent use (the Orchestrator's turn goroutine and its
// proxy-approval drain goroutine both write to the same connection);
// Recv is not — only the connection's single read loop calls it.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// Upgrade promotes an HTTP request to a websocket-backed Conn.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &Conn{ws: ws}, nil
}

// Send writes one envelope as a single JSON text frame.
func (c *Conn) Send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

// Ping writes a control ping frame, for the keepalive loop.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// Recv blocks for the next client frame. It is only ever called from
// the connection's single read loop.
func (c *Conn) Recv() (Envelope, error) {
	var env Envelope
	err := c.ws.ReadJSON(&env)
	return env, err
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// CloseWithCode sends a close frame carrying code and reason before
// closing the underlying connection — used by the chat handler to
// reject a connection after upgrade (§6 "4004 on session not found;
// policy-violation code on bad token"), since the auth/session check
// can only happen once the handshake has already promoted the
// connection to a websocket.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	return c.ws.Close()
}

// KeepAlive pings the connection every pingPeriod until stop is
// closed, so intermediaries don't time out an idle turn-waiting
// connection. Run it in its own goroutine alongside the read loop.
func (c *Conn) KeepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
