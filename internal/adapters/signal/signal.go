package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrNotConnected = errors.New("not connected")
	errClientClosed = errors.New("closed by client")
	errReplaced     = errors.New("replaced by a new connection")
)

var _ core.SignalChannel = (*Client)(nil)

type Options struct {
	URL        string
	PingPeriod time.Duration
	ReadLimit  int64
	Dialer     *websocket.Dialer
}

// Client is the signaling channel of one process. Every Dial starts a new
// logical connection; requests are answered only on the connection they
// were sent on.
type Client struct {
	url        string
	pingPeriod time.Duration
	readLimit  int64
	dialer     *websocket.Dialer

	mu           sync.RWMutex
	conn         *wsSignalConn
	handlers     map[string]core.EventHandler
	onDisconnect func(error)
}

func NewClient(opts Options) *Client {
	d := opts.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	return &Client{
		url:        opts.URL,
		pingPeriod: opts.PingPeriod,
		readLimit:  opts.ReadLimit,
		dialer:     d,
		handlers:   make(map[string]core.EventHandler),
	}
}

type reply struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	method string
	ch     chan reply
}

type wsSignalConn struct {
	conn   *websocket.Conn
	send   chan []byte
	events chan envelope
	done   chan struct{}
	// drain asks writePump to flush send and say goodbye; flushed confirms it.
	drain   chan struct{}
	flushed chan struct{}

	mu        sync.Mutex
	pending   map[string]pendingRequest
	closed    bool
	err       error
	once      sync.Once
	drainOnce sync.Once
}

func newWSSignalConn(ws *websocket.Conn) *wsSignalConn {
	return &wsSignalConn{
		conn:    ws,
		send:    make(chan []byte, 64),
		events:  make(chan envelope, 64),
		done:    make(chan struct{}),
		drain:   make(chan struct{}),
		flushed: make(chan struct{}),
		pending: make(map[string]pendingRequest),
	}
}

func (c *wsSignalConn) TrySend(f []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.err
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) register(id, method string) (chan reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.err
	}
	ch := make(chan reply, 1)
	c.pending[id] = pendingRequest{method: method, ch: ch}
	return ch, nil
}

func (c *wsSignalConn) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// resolve answers the request env responds to. Responses do not repeat the
// method, so errors are labelled with the one recorded at register time.
func (c *wsSignalConn) resolve(env envelope) bool {
	c.mu.Lock()
	p, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	r := reply{data: env.Data}
	if env.Error != "" {
		r.err = &RemoteError{Method: p.method, Message: env.Error}
	}
	p.ch <- r
	return true
}

// shutdown stops accepting frames and waits up to timeout for writePump to
// flush what is already queued.
func (c *wsSignalConn) shutdown(timeout time.Duration) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.err = fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, errClientClosed)
	}
	c.mu.Unlock()
	c.drainOnce.Do(func() { close(c.drain) })

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.flushed:
	case <-c.done:
	case <-t.C:
	}
}

// Close rejects everything still pending on this connection.
func (c *wsSignalConn) Close(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = core.ErrSignalingUnavailable
		if cause != nil {
			c.err = fmt.Errorf("%w: %w", core.ErrSignalingUnavailable, cause)
		}
		pending := c.pending
		c.pending = nil
		close(c.done)
		c.mu.Unlock()

		for _, p := range pending {
			p.ch <- reply{err: c.err}
		}
		_ = c.conn.Close()
	})
}

// Dial opens a new connection. Pending requests of a previous connection are rejected.
func (cl *Client) Dial(ctx context.Context) error {
	ws, _, err := cl.dialer.DialContext(ctx, cl.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", core.ErrSignalingUnavailable, cl.url, err)
	}
	if cl.readLimit > 0 {
		ws.SetReadLimit(cl.readLimit)
	}
	c := newWSSignalConn(ws)

	cl.mu.Lock()
	old := cl.conn
	cl.conn = c
	cl.mu.Unlock()
	if old != nil {
		old.Close(errReplaced)
	}

	log.Info().Str("module", "signal").Str("url", cl.url).Msg("connected")
	go cl.writePump(c)
	go cl.readPump(c)
	go cl.dispatch(c)
	return nil
}

func (cl *Client) current() *wsSignalConn {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.conn
}

func (cl *Client) Connected() bool {
	return cl.current() != nil
}

func (cl *Client) Request(ctx context.Context, method string, payload, out any) error {
	c := cl.current()
	if c == nil {
		return fmt.Errorf("%w: %s: %w", core.ErrSignalingUnavailable, method, ErrNotConnected)
	}
	id := uuid.NewString()
	frame, err := encodeRequest(id, method, payload)
	if err != nil {
		return err
	}
	ch, err := c.register(id, method)
	if err != nil {
		return err
	}
	if err := c.TrySend(frame); err != nil {
		c.unregister(id)
		return fmt.Errorf("send %s: %w", method, err)
	}
	log.Debug().Str("module", "signal").Str("method", method).Str("id", id).Msg("request")

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if out == nil || len(r.data) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.unregister(id)
		return ctx.Err()
	}
}

func (cl *Client) Notify(method string, payload any) error {
	c := cl.current()
	if c == nil {
		return fmt.Errorf("%w: %s: %w", core.ErrSignalingUnavailable, method, ErrNotConnected)
	}
	frame, err := encodeRequest("", method, payload)
	if err != nil {
		return err
	}
	return c.TrySend(frame)
}

func (cl *Client) On(event string, h core.EventHandler) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.handlers[event] = h
}

func (cl *Client) Off(event string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.handlers, event)
}

func (cl *Client) handler(event string) core.EventHandler {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.handlers[event]
}

// OnDisconnect sets the hook fired when the current connection drops.
// It is not fired by Close or by a replacing Dial.
func (cl *Client) OnDisconnect(fn func(error)) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.onDisconnect = fn
}

func (cl *Client) Close() {
	cl.mu.Lock()
	c := cl.conn
	cl.conn = nil
	cl.mu.Unlock()
	if c == nil {
		return
	}
	// Frames queued before Close, such as a final leave-room, still go out.
	c.shutdown(writeWait)
	c.Close(errClientClosed)
	log.Info().Str("module", "signal").Msg("closed")
}

func (cl *Client) lost(c *wsSignalConn, cause error) {
	c.Close(cause)

	cl.mu.Lock()
	current := cl.conn == c
	if current {
		cl.conn = nil
	}
	fn := cl.onDisconnect
	cl.mu.Unlock()

	if current {
		log.Warn().Err(cause).Str("module", "signal").Msg("connection lost")
		if fn != nil {
			fn(c.err)
		}
	}
}
