// Package sender turns a user's submit into an acknowledged sendMessage emit
// and tracks the transient "sending" state.
package sender

import (
	"chatsync/internal/models"
	"chatsync/internal/ws"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const DefaultAckTimeout = 10 * time.Second

var (
	ErrEmptyContent = errors.New("message is empty")
	ErrNoRoom       = errors.New("no room selected")
	ErrNotConnected = ws.ErrNotConnected
)

// Outcome is how a send attempt ended.
type Outcome int

const (
	Acked Outcome = iota
	// TimedOut means no ack arrived in time. The message may or may not
	// have been accepted.
	TimedOut
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Transport interface {
	IsConnected() bool
	Emit(event string, payload any, ack ws.AckFunc) error
}

type Timer interface {
	Stop() bool
}

type Config struct {
	AckTimeout time.Duration
	// Post runs fn on the owner's event loop. Ack and timeout callbacks go
	// through it. Nil runs them in place.
	Post func(fn func())
	// OnSettled is called on the owner's loop when an attempt ends.
	OnSettled func(Outcome)
	// AfterFunc defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) Timer
}

type Controller struct {
	transport Transport
	cfg       Config

	mu      sync.Mutex
	seq     uint64
	sending bool
	timer   Timer
}

func New(transport Transport, cfg Config) *Controller {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		}
	}
	return &Controller{
		transport: transport,
		cfg:       cfg,
	}
}

func (c *Controller) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// Send emits content to roomID. Empty content, an empty room or a
// disconnected transport make it a no-op that returns the reason.
// A new attempt supersedes one that is still waiting for its ack.
func (c *Controller) Send(roomID, content string) error {
	text := strings.TrimSpace(content)
	switch {
	case roomID == "":
		return ErrNoRoom
	case text == "":
		return ErrEmptyContent
	case !c.transport.IsConnected():
		return ErrNotConnected
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.stopTimerLocked()
	c.sending = true
	c.timer = c.cfg.AfterFunc(c.cfg.AckTimeout, func() {
		c.cfg.Post(func() { c.settle(seq, TimedOut) })
	})
	c.mu.Unlock()

	err := c.transport.Emit(models.EventSendMessage, models.SendPayload{ChatID: roomID, Content: text}, func() {
		c.cfg.Post(func() { c.settle(seq, Acked) })
	})
	if err != nil {
		c.settle(seq, Failed)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Reset abandons the current attempt without reporting an outcome.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.sending = false
	c.stopTimerLocked()
}

func (c *Controller) settle(seq uint64, outcome Outcome) {
	c.mu.Lock()
	if seq != c.seq || !c.sending {
		c.mu.Unlock()
		return
	}
	c.sending = false
	c.stopTimerLocked()
	c.mu.Unlock()

	if c.cfg.OnSettled != nil {
		c.cfg.OnSettled(outcome)
	}
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
