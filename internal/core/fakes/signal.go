// Package fakes holds in-memory stand-ins for the signaling and media
// interfaces of package core, for tests of the layers above them.
package fakes

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/VoiceClient/internal/core"
)

// Call is a recorded request or notification.
type Call struct {
	Method  string
	Payload json.RawMessage
}

// Decode unmarshals the recorded payload into v.
func (c Call) Decode(v any) error { return json.Unmarshal(c.Payload, v) }

// Responder produces the reply for one request. The payload arrives as it
// would on the wire.
type Responder func(ctx context.Context, payload json.RawMessage) (any, error)

// Signal is a scriptable core.SignalChannel. Requests without a responder
// are acknowledged with an empty reply.
type Signal struct {
	mu         sync.Mutex
	responders map[string]Responder
	handlers   map[string]core.EventHandler
	calls      []Call
	notifies   []Call
}

var _ core.SignalChannel = (*Signal)(nil)

func NewSignal() *Signal {
	return &Signal{
		responders: make(map[string]Responder),
		handlers:   make(map[string]core.EventHandler),
	}
}

// Handle installs the responder for method.
func (s *Signal) Handle(method string, r Responder) {
	s.mu.Lock()
	s.responders[method] = r
	s.mu.Unlock()
}

// Reply makes method always answer with resp.
func (s *Signal) Reply(method string, resp any) {
	s.Handle(method, func(context.Context, json.RawMessage) (any, error) { return resp, nil })
}

// Fail makes method always fail with err.
func (s *Signal) Fail(method string, err error) {
	s.Handle(method, func(context.Context, json.RawMessage) (any, error) { return nil, err })
}

func (s *Signal) Request(ctx context.Context, method string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Payload: raw})
	r := s.responders[method]
	s.mu.Unlock()

	if r == nil {
		return ctx.Err()
	}
	resp, err := r(ctx, raw)
	if err != nil {
		return err
	}
	if out == nil || resp == nil {
		return nil
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (s *Signal) Notify(method string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.notifies = append(s.notifies, Call{Method: method, Payload: raw})
	s.mu.Unlock()
	return nil
}

func (s *Signal) On(event string, h core.EventHandler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

func (s *Signal) Off(event string) {
	s.mu.Lock()
	delete(s.handlers, event)
	s.mu.Unlock()
}

// Emit delivers event to its handler synchronously. It reports whether a handler was installed.
func (s *Signal) Emit(event string, payload any) bool {
	s.mu.Lock()
	h := s.handlers[event]
	s.mu.Unlock()
	if h == nil {
		return false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	h(raw)
	return true
}

func (s *Signal) Subscribed(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[event]
	return ok
}

// Calls returns recorded requests for method, or all of them when method is empty.
func (s *Signal) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.calls, method)
}

// Methods lists the methods of every recorded request, in order.
func (s *Signal) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Method)
	}
	return out
}

func (s *Signal) Notifications(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.notifies, method)
}

func filter(calls []Call, method string) []Call {
	out := make([]Call, 0, len(calls))
	for _, c := range calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}
