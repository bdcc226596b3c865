package signal

import (
	"encoding/json"
	"fmt"
)

const (
	frameRequest  = "request"
	frameResponse = "response"
	frameEvent    = "event"
)

// envelope is the single frame shape on the wire. Requests without an id are
// fire-and-forget.
type envelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func encodeRequest(id, method string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", method, err)
		}
		data = b
	}
	return json.Marshal(envelope{Type: frameRequest, ID: id, Method: method, Data: data})
}

// RemoteError is a request rejected by the server.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("signal: %s rejected: %s", e.Method, e.Message)
}
