// Package wstest provides a scriptable in-memory transport for tests.
package wstest

import (
	"chatsync/internal/models"
	"chatsync/internal/ws"
	"encoding/json"
	"sync"
)

// Emission is one call to Emit.
type Emission struct {
	Event     string
	Data      json.RawMessage
	Ack       ws.AckFunc
	Delivered bool
}

// ChatID decodes the chatId field of the payload, if any.
func (e Emission) ChatID() string {
	var p models.ChatPayload
	_ = json.Unmarshal(e.Data, &p)
	return p.ChatID
}

// Transport records emits and lets the test drive connect, disconnect,
// inbound events and acks. Handlers run on the goroutine that calls
// Connect, Disconnect, Deliver or Ack.
type Transport struct {
	*ws.Listeners

	mu        sync.Mutex
	connected bool
	emissions []Emission
	// EmitErr, when set, is returned by Emit for connected emits. Use
	// SetEmitErr once the transport is shared with another goroutine.
	EmitErr error
}

func New() *Transport {
	return &Transport{Listeners: ws.NewListeners()}
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Emit(event string, payload any, ack ws.AckFunc) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := Emission{Event: event, Data: data, Ack: ack}
	switch {
	case !t.connected:
		t.emissions = append(t.emissions, e)
		return ws.ErrNotConnected
	case t.EmitErr != nil:
		t.emissions = append(t.emissions, e)
		return t.EmitErr
	}
	e.Delivered = true
	t.emissions = append(t.emissions, e)
	return nil
}

func (t *Transport) SetEmitErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.EmitErr = err
}

func (t *Transport) Connect() {
	t.mu.Lock()
	was := t.connected
	t.connected = true
	t.mu.Unlock()
	if !was {
		t.Dispatch(models.EventConnect, nil)
	}
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	was := t.connected
	t.connected = false
	t.mu.Unlock()
	if was {
		t.Dispatch(models.EventDisconnect, nil)
	}
}

// Deliver marshals payload and dispatches it as an inbound event.
func (t *Transport) Deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	t.Dispatch(event, data)
}

// DeliverRaw dispatches data as is.
func (t *Transport) DeliverRaw(event string, data string) {
	t.Dispatch(event, json.RawMessage(data))
}

// Emissions returns every Emit call, delivered or not.
func (t *Transport) Emissions() []Emission {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Emission, len(t.emissions))
	copy(out, t.emissions)
	return out
}

// Emitted returns the Emit calls for event.
func (t *Transport) Emitted(event string) []Emission {
	var out []Emission
	for _, e := range t.Emissions() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Events returns the event names of every Emit call in order.
func (t *Transport) Events() []string {
	var out []string
	for _, e := range t.Emissions() {
		out = append(out, e.Event)
	}
	return out
}

// AckLast acknowledges the most recent delivered emit of event.
// It reports false if there is nothing to acknowledge.
func (t *Transport) AckLast(event string) bool {
	emitted := t.Emitted(event)
	for i := len(emitted) - 1; i >= 0; i-- {
		if emitted[i].Delivered && emitted[i].Ack != nil {
			emitted[i].Ack()
			return true
		}
	}
	return false
}

func (t *Transport) Reset() {
	t.mu.Lock()
	t.emissions = nil
	t.mu.Unlock()
}
