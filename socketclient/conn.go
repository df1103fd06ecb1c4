package socketclient

import (
	"context"
	"net/url"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the client uses. Abstracted so
// tests can inject an in-process fake instead of dialing a real
// socket, matching the engine's offline, deterministic test posture.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to wsURL. The default wraps gorilla/websocket.
type Dialer func(ctx context.Context, wsURL string) (Conn, error)

// DialGorilla is the production Dialer, grounded on the teacher's
// cli/pkg/websocket/client.go dial().
func DialGorilla(ctx context.Context, wsURL string) (Conn, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
