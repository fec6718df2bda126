package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// Clients sync at least every 30s, so a silent minute means a dead peer.
	readWait = 90 * time.Second
)

// ErrMalformed marks a frame that arrived intact but is not a valid request.
// The connection stays usable.
var ErrMalformed = errors.New("malformed message")

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, reqID, code, errMsg string, fields map[string]string) error {
	return WriteTyped(conn, ErrorResponse{
		Event:  EventError,
		ReqID:  reqID,
		Code:   code,
		Error:  errMsg,
		Fields: fields,
	})
}

// ReadMessage reads one text frame and peeks at its envelope.
// The raw bytes are returned for action-specific decoding.
func ReadMessage(conn *websocket.Conn) (RequestEnvelope, []byte, error) {
	var env RequestEnvelope
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return env, nil, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, data, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, data, nil
}
