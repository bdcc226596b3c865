package signal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (cl *Client) writePump(c *wsSignalConn) {
	var tick <-chan time.Time
	if cl.pingPeriod > 0 {
		ticker := time.NewTicker(cl.pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-c.done:
			log.Debug().Str("module", "signal").Msg("writePump done")
			return
		case <-c.drain:
			cl.flush(c)
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				cl.lost(c, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				cl.lost(c, err)
				return
			}
		case <-tick:
			if err := cl.ping(c); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping")
				cl.lost(c, err)
				return
			}
		}
	}
}

// flush writes every queued frame, then the close frame. Write errors end
// the flush early; the connection is being closed anyway.
func (cl *Client) flush(c *wsSignalConn) {
	defer close(c.flushed)
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("flush write error")
				return
			}
		default:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}

func (cl *Client) readPump(c *wsSignalConn) {
	var err error
	defer func() {
		log.Debug().Str("module", "signal").Msg("readPump closing")
		cl.lost(c, err)
	}()

	cl.keepalive(c)
	for {
		var data []byte
		_, data, err = c.conn.ReadMessage()
		if err != nil {
			return
		}
		cl.handleFrame(c, data)
	}
}

func (cl *Client) handleFrame(c *wsSignalConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case frameResponse:
		if !c.resolve(env) {
			log.Warn().Str("module", "signal").Str("id", env.ID).Msg("response without pending request")
		}
	case frameEvent:
		// Blocking here keeps events in emission order.
		select {
		case c.events <- env:
		case <-c.done:
		}
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown frame")
	}
}

// dispatch runs event handlers one at a time, in the order they arrived.
func (cl *Client) dispatch(c *wsSignalConn) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.events:
			h := cl.handler(env.Method)
			if h == nil {
				log.Debug().Str("module", "signal").Str("event", env.Method).Msg("no handler")
				continue
			}
			h(env.Data)
		}
	}
}
