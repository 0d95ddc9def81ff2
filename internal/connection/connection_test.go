package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"market-stream-service/internal/protocol"
)

// fakeWire records frames so tests can assert on what the writer produced.
type fakeWire struct {
	mu       sync.Mutex
	frames   []*protocol.ServerMessage
	pings    int
	closed   bool
	writeErr error
}

func (f *fakeWire) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	msg, ok := v.(*protocol.ServerMessage)
	if !ok {
		return errors.New("unexpected frame type")
	}
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeWire) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if messageType == pingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeWire) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeWire) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWire) sent() []*protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.ServerMessage, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeWire) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestConnection(id string) (*Connection, *fakeWire) {
	w := &fakeWire{}
	return newConnection(id, "", w, "127.0.0.1:1234"), w
}

func priceMsg(code string, price float64) *protocol.ServerMessage {
	msg := protocol.NewServerMessage(protocol.TypePriceUpdate, map[string]interface{}{
		"stock_code": code,
		"price":      price,
	})
	msg.CoalesceKey = fmt.Sprintf("price_update:stock:%s", code)
	return msg
}
