package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

// keepalive extends the read deadline on every pong. Without a ping period
// the connection relies on the peer to close it.
func (cl *Client) keepalive(c *wsSignalConn) {
	if cl.pingPeriod <= 0 {
		return
	}
	pongWait := cl.pingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (cl *Client) ping(c *wsSignalConn) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
