package devserver

import (
	"chatsync/internal/models"
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
)

var errDropped = errors.New("connection dropped by hub")

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Register(userID string) (string, <-chan models.Frame)
	Unregister(connID string)
	Join(connID, chatID string) error
	Leave(connID, chatID string)
	Send(connID, chatID, content string) (models.Message, error)
}

// Connection serves one client socket.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	connID     string
	fromClient chan models.Frame
	fromServer <-chan models.Frame
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
) *Connection {
	connID, fromServer := hub.Register(userID)
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		connID:     connID,
		fromClient: make(chan models.Frame),
		fromServer: fromServer,
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.hub.Unregister(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpFrames(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errDropped) {
		return err
	}

	return nil
}

func (c *Connection) pumpFrames(ctx context.Context) error {
	for {
		var frame models.Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case frame := <-c.fromClient:
			if err := c.processClientFrame(frame); err != nil {
				return err
			}
		case frame, ok := <-c.fromServer:
			if !ok {
				return errDropped
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientFrame applies one client event. Rejected events are logged
// and get no ack.
func (c *Connection) processClientFrame(frame models.Frame) error {
	if frame.Type != models.FrameTypeEvent {
		return nil
	}

	var err error
	switch frame.Event {
	case models.EventJoinChat:
		var p models.ChatPayload
		if err = json.Unmarshal(frame.Data, &p); err == nil {
			err = c.hub.Join(c.connID, p.ChatID)
		}
	case models.EventLeaveChat:
		var p models.ChatPayload
		if err = json.Unmarshal(frame.Data, &p); err == nil {
			c.hub.Leave(c.connID, p.ChatID)
		}
	case models.EventSendMessage:
		var p models.SendPayload
		if err = json.Unmarshal(frame.Data, &p); err == nil {
			_, err = c.hub.Send(c.connID, p.ChatID, p.Content)
		}
	default:
		log.Printf("unknown event %q from user %s", frame.Event, c.userID)
		return nil
	}

	if err != nil {
		log.Printf("rejected %s from user %s: %v", frame.Event, c.userID, err)
		return nil
	}
	if frame.AckID == "" {
		return nil
	}
	return c.ws.WriteJSON(models.Frame{Type: models.FrameTypeAck, AckID: frame.AckID})
}
