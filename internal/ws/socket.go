// Package ws owns the client side of the realtime connection: a single
// websocket that reconnects on its own, named event subscriptions and
// acknowledged emits.
package ws

import (
	"chatsync/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c-pro/geche"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrBufferFull   = errors.New("outbound buffer full")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// AckFunc is invoked at most once, when the server acknowledges the emit it was passed to.
type AckFunc func()

type Options struct {
	URL    string
	Header http.Header

	// AckTTL bounds how long an unanswered ack callback is remembered.
	AckTTL       time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	SendBuffer   int
}

func (o *Options) applyDefaults() {
	if o.AckTTL <= 0 {
		o.AckTTL = time.Minute
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

type Socket struct {
	opts      Options
	dial      dialFunc
	listeners *Listeners
	acks      *geche.Locker[string, AckFunc]
	state     atomic.Int32

	mu   sync.Mutex
	conn *connection

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
}

var (
	sharedOnce sync.Once
	shared     *Socket
)

// Get returns the process-wide socket, creating it and starting connection
// attempts on the first call. Options passed to later calls are ignored.
func Get(opts Options) *Socket {
	sharedOnce.Do(func() {
		shared = New(context.Background(), opts)
		shared.Start()
	})
	return shared
}

// New creates a socket bound to ctx. It does not connect until Start.
func New(ctx context.Context, opts Options) *Socket {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Socket{
		opts:      opts,
		dial:      gorillaDial,
		listeners: NewListeners(),
		acks:      geche.NewLocker[string, AckFunc](geche.NewMapTTLCache[string, AckFunc](ctx, opts.AckTTL, opts.AckTTL/2)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins connecting in the background. Calling it again does nothing.
func (s *Socket) Start() {
	s.startOnce.Do(func() {
		go s.run(s.ctx)
	})
}

// Close stops reconnecting and drops the current connection.
func (s *Socket) Close() {
	s.cancel()
	started := true
	s.startOnce.Do(func() { started = false })
	if started {
		<-s.done
	}
}

func (s *Socket) IsConnected() bool {
	return s.State() == StateConnected
}

func (s *Socket) State() State {
	return State(s.state.Load())
}

func (s *Socket) On(event string, fn Handler) *Subscription {
	return s.listeners.On(event, fn)
}

func (s *Socket) Off(sub *Subscription) {
	s.listeners.Off(sub)
}

// Emit queues an event for the current connection. While disconnected the
// event is dropped and ErrNotConnected is returned. If ack is not nil it is
// called once the server acknowledges this emit; it is never called if the
// connection goes away first.
func (s *Socket) Emit(event string, payload any, ack AckFunc) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	frame := models.Frame{
		Type:  models.FrameTypeEvent,
		Event: event,
		Data:  data,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}

	if ack != nil {
		frame.AckID = uuid.NewString()
		tx := s.acks.Lock()
		tx.Set(frame.AckID, ack)
		tx.Unlock()
		s.conn.pendingAcks[frame.AckID] = struct{}{}
	}

	if err := s.conn.enqueue(frame); err != nil {
		if ack != nil {
			tx := s.acks.Lock()
			_ = tx.Del(frame.AckID)
			tx.Unlock()
			delete(s.conn.pendingAcks, frame.AckID)
		}
		return err
	}
	return nil
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectMin
	b.MaxInterval = s.opts.ReconnectMax

	for {
		ws, err := s.dial(ctx, s.opts.URL, s.opts.Header)
		if err == nil {
			b.Reset()
			err = s.serve(ctx, ws)
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		slog.Info("transport disconnected", "url", s.opts.URL, "retry_in", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Socket) serve(ctx context.Context, ws wsConnection) error {
	conn := newConnection(ws, s.opts.SendBuffer, s.handleFrame)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnected)

	defer func() {
		s.mu.Lock()
		// Acks can only arrive on the connection that carried the emit.
		tx := s.acks.Lock()
		for id := range conn.pendingAcks {
			_ = tx.Del(id)
		}
		tx.Unlock()
		s.conn = nil
		s.mu.Unlock()
		s.setState(StateDisconnected)
	}()

	return conn.Handle(ctx)
}

func (s *Socket) setState(state State) {
	if State(s.state.Swap(int32(state))) == state {
		return
	}
	switch state {
	case StateConnected:
		s.listeners.Dispatch(models.EventConnect, nil)
	case StateDisconnected:
		s.listeners.Dispatch(models.EventDisconnect, nil)
	}
}

func (s *Socket) handleFrame(frame models.Frame) {
	switch frame.Type {
	case models.FrameTypeAck:
		s.resolveAck(frame.AckID)
	case models.FrameTypeEvent:
		if frame.Event == models.EventConnect || frame.Event == models.EventDisconnect {
			// Reserved for transport state changes.
			return
		}
		s.listeners.Dispatch(frame.Event, frame.Data)
	default:
		slog.Warn("dropping frame of unknown type", "type", frame.Type)
	}
}

func (s *Socket) resolveAck(id string) {
	if id == "" {
		return
	}
	tx := s.acks.Lock()
	ack, err := tx.Get(id)
	if err == nil {
		_ = tx.Del(id)
	}
	tx.Unlock()

	if err != nil {
		slog.Debug("ack for unknown or expired emit", "ack_id", id)
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		delete(s.conn.pendingAcks, id)
	}
	s.mu.Unlock()

	ack()
}
