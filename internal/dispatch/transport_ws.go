package dispatch

import (
	"bytes"
	"io"

	"github.com/gorilla/websocket"
)

// openWebsocket bridges to a build-farm gateway over a single
// long-lived websocket connection, for environments where raw TCP
// egress to compile hosts is blocked but outbound HTTPS is not. It
// adapts gorilla/websocket's message framing into the byte stream the
// token protocol expects.
func openWebsocket(host Host) (Channel, error) {
	if host.GatewayURL == "" {
		return Channel{}, wrapf(ErrLogic, "websocket transport requires a gateway URL")
	}

	conn, _, err := websocket.DefaultDialer.Dial(host.GatewayURL, nil)
	if err != nil {
		return Channel{}, wrapf(ErrTransport, "dialing gateway %s: %v", host.GatewayURL, err)
	}

	w := &wsStream{conn: conn}
	return Channel{Send: w, Recv: w, distinctFD: false}, nil
}

// wsStream presents a *websocket.Conn as an io.ReadWriteCloser: each
// Write becomes one binary message, and Read drains messages into a
// buffer as they arrive so callers can read arbitrary-sized chunks.
type wsStream struct {
	conn *websocket.Conn
	buf  bytes.Buffer
}

func (w *wsStream) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Read(p []byte) (int, error) {
	for w.buf.Len() == 0 {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.buf.Write(data)
	}
	return w.buf.Read(p)
}

func (w *wsStream) Close() error {
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*wsStream)(nil)
