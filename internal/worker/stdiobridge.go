package worker

import (
	"bytes"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn is the subset of *websocket.Conn's method set StdioBridge needs,
// narrow enough to fake in tests.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// StdioBridge adapts a websocket connection into the io.ReadWriteCloser
// shape server.NewStdioServer expects, the same way the teacher's
// Server.Start wires os.Stdin/os.Stdout, by framing newline-delimited
// JSON-RPC messages over the socket's text-message boundary.
type StdioBridge struct {
	conn    wsConn
	readMu  sync.Mutex
	writeMu sync.Mutex
	readBuf bytes.Buffer
}

// NewStdioBridge wraps conn.
func NewStdioBridge(conn wsConn) *StdioBridge {
	return &StdioBridge{conn: conn}
}

// Read implements io.Reader, pulling one websocket text message at a time
// and appending a trailing newline so the MCP SDK's line-delimited
// decoder sees the same framing it would on a real stdio pipe.
func (b *StdioBridge) Read(p []byte) (int, error) {
	b.readMu.Lock()
	defer b.readMu.Unlock()

	for b.readBuf.Len() == 0 {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		b.readBuf.Write(data)
		if len(data) == 0 || data[len(data)-1] != '\n' {
			b.readBuf.WriteByte('\n')
		}
	}
	return b.readBuf.Read(p)
}

// Write implements io.Writer, sending each write as one websocket text
// message.
func (b *StdioBridge) Write(p []byte) (int, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements io.Closer.
func (b *StdioBridge) Close() error {
	return b.conn.Close()
}
