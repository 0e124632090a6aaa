package ws

import (
	"chatsync/internal/models"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConnection, error)

func gorillaDial(ctx context.Context, url string, header http.Header) (wsConnection, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// connection drives one physical websocket until it fails or ctx ends.
type connection struct {
	ws      wsConnection
	out     chan models.Frame
	onFrame func(models.Frame)

	// Ack ids emitted on this connection and not yet acknowledged.
	// Guarded by the owning Socket's mutex.
	pendingAcks map[string]struct{}
}

func newConnection(ws wsConnection, buffer int, onFrame func(models.Frame)) *connection {
	return &connection{
		ws:          ws,
		out:         make(chan models.Frame, buffer),
		onFrame:     onFrame,
		pendingAcks: make(map[string]struct{}),
	}
}

// Handle blocks until the connection is gone. The returned error is the
// first failure of either loop, or nil when ctx was cancelled.
func (c *connection) Handle(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.pumpFrames()
	})

	g.Go(func() error {
		return c.writeLoop(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		_ = c.ws.Close()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *connection) pumpFrames() error {
	for {
		var frame models.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if isDecodeError(err) {
				slog.Warn("dropping undecodable frame", "error", err)
				continue
			}
			return err
		}
		c.onFrame(frame)
	}
}

func (c *connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.out:
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// enqueue never blocks.
func (c *connection) enqueue(frame models.Frame) error {
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// A frame that is valid websocket data but not valid JSON has already been
// consumed by ReadJSON, so the connection itself is still usable.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
