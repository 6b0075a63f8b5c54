package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"golang.org/x/net/websocket"

	"github.com/simple64/netplay-core/internal/protocol"
)

// MaxMessageSize bounds one incoming envelope. State snapshots travel in
// JoinAccepted and SyncResponse, so the bound is generous.
const MaxMessageSize = 8 << 20

type wsWire struct {
	ws *websocket.Conn
}

func (w wsWire) read() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(w.ws, &data); err != nil {
		return nil, err //nolint:wrapcheck
	}
	return data, nil
}

func (w wsWire) write(data []byte) error {
	return websocket.Message.Send(w.ws, string(data)) //nolint:wrapcheck
}

func (w wsWire) close() error {
	return w.ws.Close() //nolint:wrapcheck
}

func (w wsWire) addr() string {
	if r := w.ws.Request(); r != nil {
		return r.RemoteAddr
	}
	return w.ws.RemoteAddr().String()
}

// NewConn wraps an open websocket.
func NewConn(ws *websocket.Conn, logger logr.Logger) *Conn {
	ws.MaxPayloadBytes = MaxMessageSize
	return newConn(wsWire{ws: ws}, logger)
}

// NewHandler accepts websocket peers and pumps their messages into deliver.
// closed runs once per peer after its stream ends.
func NewHandler(deliver func(*Conn, protocol.Message) bool, closed func(*Conn), logger logr.Logger) http.Handler {
	return websocket.Handler(func(ws *websocket.Conn) {
		c := NewConn(ws, logger)
		c.Logger.V(1).Info("peer connected")
		Pump(c, deliver, closed)
		c.Logger.V(1).Info("peer disconnected")
	})
}

// Dial opens a websocket to url. The dial is abandoned when ctx ends.
func Dial(ctx context.Context, url, origin string, logger logr.Logger) (*Conn, error) {
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}

	type result struct {
		ws  *websocket.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ws, err := websocket.DialConfig(cfg)
		ch <- result{ws: ws, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, r.err)
		}
		return NewConn(r.ws, logger), nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.ws != nil {
				_ = r.ws.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", url, ctx.Err())
	}
}
