package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeRouter answers requests the way the media router does, driven by method name.
type fakeRouter struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	notified []string
	conns    []*websocket.Conn
}

func (f *fakeRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, ws)
	f.mu.Unlock()
	defer ws.Close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		if env.ID == "" {
			f.mu.Lock()
			f.notified = append(f.notified, env.Method)
			f.mu.Unlock()
			continue
		}
		switch env.Method {
		case "echo":
			_ = ws.WriteJSON(envelope{Type: frameResponse, ID: env.ID, Data: env.Data})
		case "fail":
			_ = ws.WriteJSON(envelope{Type: frameResponse, ID: env.ID, Error: "nope"})
		case "events":
			for _, name := range []string{"first", "second", "third"} {
				_ = ws.WriteJSON(envelope{Type: frameEvent, Method: "seq", Data: json.RawMessage(`"` + name + `"`)})
			}
			_ = ws.WriteJSON(envelope{Type: frameResponse, ID: env.ID})
		case "hangup":
			return
		case "hang":
		}
	}
}

func (f *fakeRouter) notifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}

func startRouter(t *testing.T) (*fakeRouter, string) {
	f := &fakeRouter{t: t}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	cl := NewClient(Options{URL: url, PingPeriod: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cl.Dial(ctx))
	t.Cleanup(cl.Close)
	return cl
}

func TestRequestResponse(t *testing.T) {
	_, url := startRouter(t)
	cl := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, cl.Request(ctx, "echo", map[string]string{"roomId": "R1"}, &out))
	require.Equal(t, "R1", out.RoomID)

	err := cl.Request(ctx, "fail", nil, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "nope", remote.Message)
	require.Equal(t, "fail", remote.Method)
	require.EqualError(t, err, "signal: fail rejected: nope")
}

func TestEventsDeliveredInOrder(t *testing.T) {
	_, url := startRouter(t)
	cl := dial(t, url)

	got := make(chan string, 3)
	cl.On("seq", func(data json.RawMessage) {
		var s string
		_ = json.Unmarshal(data, &s)
		got <- s
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cl.Request(ctx, "events", nil, nil))

	for _, want := range []string{"first", "second", "third"} {
		select {
		case s := <-got:
			require.Equal(t, want, s)
		case <-ctx.Done():
			t.Fatal("event not delivered")
		}
	}
}

func TestOffRemovesHandler(t *testing.T) {
	cl := NewClient(Options{})
	cl.On("seq", func(json.RawMessage) {})
	require.NotNil(t, cl.handler("seq"))
	cl.Off("seq")
	require.Nil(t, cl.handler("seq"))
}

func TestDropRejectsPending(t *testing.T) {
	_, url := startRouter(t)
	cl := dial(t, url)

	lost := make(chan error, 1)
	cl.OnDisconnect(func(err error) { lost <- err })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- cl.Request(ctx, "hang", nil, nil) }()
	// Give the hanging request time to reach the router before the drop.
	time.Sleep(50 * time.Millisecond)

	err := cl.Request(ctx, "hangup", nil, nil)
	require.ErrorIs(t, err, core.ErrSignalingUnavailable)
	require.ErrorIs(t, <-errs, core.ErrSignalingUnavailable)

	select {
	case err := <-lost:
		require.ErrorIs(t, err, core.ErrSignalingUnavailable)
	case <-ctx.Done():
		t.Fatal("disconnect hook not fired")
	}
	require.False(t, cl.Connected())
}

func TestRedialInvalidatesOldRequests(t *testing.T) {
	_, url := startRouter(t)
	cl := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	go func() { errs <- cl.Request(ctx, "hang", nil, nil) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, cl.Dial(ctx))
	require.ErrorIs(t, <-errs, core.ErrSignalingUnavailable)

	var out map[string]int
	require.NoError(t, cl.Request(ctx, "echo", map[string]int{"n": 1}, &out))
	require.Equal(t, 1, out["n"])
}

func TestNotifyIsFireAndForget(t *testing.T) {
	router, url := startRouter(t)
	cl := dial(t, url)

	require.NoError(t, cl.Notify("leave-room", map[string]string{"roomId": "R1"}))
	require.Eventually(t, func() bool {
		n := router.notifications()
		return len(n) == 1 && n[0] == "leave-room"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDialFailure(t *testing.T) {
	cl := NewClient(Options{URL: "ws://127.0.0.1:1/signal"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cl.Dial(ctx)
	require.ErrorIs(t, err, core.ErrSignalingUnavailable)

	err = cl.Request(ctx, "echo", nil, nil)
	require.True(t, errors.Is(err, core.ErrSignalingUnavailable))
}

func TestCloseFlushesQueuedNotifications(t *testing.T) {
	router, url := startRouter(t)

	const rounds = 20
	for i := 0; i < rounds; i++ {
		cl := NewClient(Options{URL: url})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, cl.Dial(ctx))
		cancel()

		require.NoError(t, cl.Notify("leave-room", map[string]string{"roomId": "R1"}))
		cl.Close()

		require.ErrorIs(t, cl.Notify("leave-room", nil), core.ErrSignalingUnavailable)
	}

	require.Eventually(t, func() bool {
		return len(router.notifications()) == rounds
	}, 5*time.Second, 10*time.Millisecond)
}
