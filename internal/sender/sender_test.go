package sender

import (
	"chatsync/internal/models"
	"chatsync/internal/ws/wstest"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	was := !f.stopped
	f.stopped = true
	return was
}

type fakeClock struct {
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) fireLast() {
	c.timers[len(c.timers)-1].fn()
}

type harness struct {
	tr       *wstest.Transport
	clock    *fakeClock
	outcomes []Outcome
	c        *Controller
}

func newHarness() *harness {
	h := &harness{tr: wstest.New(), clock: &fakeClock{}}
	h.c = New(h.tr, Config{
		AckTimeout: 10 * time.Second,
		AfterFunc:  h.clock.AfterFunc,
		OnSettled:  func(o Outcome) { h.outcomes = append(h.outcomes, o) },
	})
	return h
}

func TestSend_Guards(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		roomID    string
		content   string
		wantErr   error
	}{
		{"Empty content", true, "roomA", "", ErrEmptyContent},
		{"Whitespace content", true, "roomA", "   \t\n", ErrEmptyContent},
		{"Empty room", true, "", "hi", ErrNoRoom},
		{"Disconnected", false, "roomA", "hi", ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			if tt.connected {
				h.tr.Connect()
			}
			err := h.c.Send(tt.roomID, tt.content)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, h.tr.Emissions())
			assert.False(t, h.c.Sending())
			assert.Empty(t, h.clock.timers)
			assert.Empty(t, h.outcomes)
		})
	}
}

func TestSend_AckClearsSending(t *testing.T) {
	h := newHarness()
	h.tr.Connect()

	require.NoError(t, h.c.Send("roomA", "  hi  "))
	require.True(t, h.c.Sending())

	sent := h.tr.Emitted(models.EventSendMessage)
	require.Len(t, sent, 1)
	require.JSONEq(t, `{"chatId":"roomA","content":"hi"}`, string(sent[0].Data))
	require.Equal(t, 10*time.Second, h.clock.timers[0].d)

	require.True(t, h.tr.AckLast(models.EventSendMessage))
	require.False(t, h.c.Sending())
	require.True(t, h.clock.timers[0].stopped)
	require.Equal(t, []Outcome{Acked}, h.outcomes)

	// A late timeout after the ack changes nothing.
	h.clock.fireLast()
	require.Equal(t, []Outcome{Acked}, h.outcomes)
}

func TestSend_TimeoutClearsSending(t *testing.T) {
	h := newHarness()
	h.tr.Connect()

	require.NoError(t, h.c.Send("roomA", "hi"))
	h.tr.Disconnect()
	h.clock.fireLast()

	require.False(t, h.c.Sending())
	require.Equal(t, []Outcome{TimedOut}, h.outcomes)

	// The ack of a timed out attempt is ignored.
	h.tr.Emitted(models.EventSendMessage)[0].Ack()
	require.Equal(t, []Outcome{TimedOut}, h.outcomes)
}

func TestSend_EmitFailure(t *testing.T) {
	h := newHarness()
	h.tr.Connect()
	h.tr.EmitErr = errors.New("buffer full")

	err := h.c.Send("roomA", "hi")
	require.ErrorContains(t, err, "buffer full")
	require.False(t, h.c.Sending())
	require.Equal(t, []Outcome{Failed}, h.outcomes)
	require.True(t, h.clock.timers[0].stopped)
}

func TestSend_NewAttemptSupersedesStaleAck(t *testing.T) {
	h := newHarness()
	h.tr.Connect()

	require.NoError(t, h.c.Send("roomA", "first"))
	require.NoError(t, h.c.Send("roomA", "second"))
	require.True(t, h.clock.timers[0].stopped)

	sent := h.tr.Emitted(models.EventSendMessage)
	require.Len(t, sent, 2)

	// The first ack arrives late: the second attempt is still pending.
	sent[0].Ack()
	require.True(t, h.c.Sending())
	require.Empty(t, h.outcomes)

	sent[1].Ack()
	require.False(t, h.c.Sending())
	require.Equal(t, []Outcome{Acked}, h.outcomes)
}

func TestReset(t *testing.T) {
	h := newHarness()
	h.tr.Connect()

	require.NoError(t, h.c.Send("roomA", "hi"))
	h.c.Reset()
	require.False(t, h.c.Sending())

	h.tr.AckLast(models.EventSendMessage)
	h.clock.fireLast()
	require.Empty(t, h.outcomes)
}

func TestSend_PostRunsCallbacksOnOwnerLoop(t *testing.T) {
	tr := wstest.New()
	tr.Connect()

	var queue []func()
	c := New(tr, Config{
		AckTimeout: time.Hour,
		Post:       func(fn func()) { queue = append(queue, fn) },
	})

	require.NoError(t, c.Send("roomA", "hi"))
	tr.AckLast(models.EventSendMessage)
	require.True(t, c.Sending(), "ack must not settle before the loop runs it")

	require.Len(t, queue, 1)
	queue[0]()
	require.False(t, c.Sending())
	c.Reset()
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "acked", Acked.String())
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "failed", Failed.String())
}
