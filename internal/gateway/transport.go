package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/gamegate/internal/protocol"
)

// closeGrace bounds how long a closing socket waits for the client's close reply.
const closeGrace = time.Second

// wsTransport adapts a gorilla connection to session.Transport. Close frames
// go out through WriteControl, which is safe alongside the write pump.
type wsTransport struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	once         sync.Once
}

func newTransport(ws *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{ws: ws, writeTimeout: writeTimeout}
}

// Close sends a close frame with code and bounds the wait for the client's
// reply. The socket itself is released by the connection handler once the
// read loop ends.
func (t *wsTransport) Close(code protocol.CloseCode, reason string) error {
	var err error
	t.once.Do(func() {
		msg := websocket.FormatCloseMessage(int(code), reason)
		err = t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
		_ = t.ws.SetReadDeadline(time.Now().Add(closeGrace))
	})
	return err
}

// write sends one text frame within the write timeout.
func (t *wsTransport) write(raw []byte) error {
	if err := t.ws.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, raw)
}
