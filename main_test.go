package main

import (
	"bytes"
	"chatsync/internal/devserver"
	"chatsync/internal/history"
	"chatsync/internal/membership"
	"chatsync/internal/models"
	"chatsync/internal/projector"
	"chatsync/internal/session"
	"chatsync/internal/ws"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func startDevServer(t *testing.T) (*devserver.Hub, *httptest.Server) {
	t.Helper()
	hub := devserver.NewHub(devserver.DefaultSeed())
	ts := httptest.NewServer(devserver.NewServer(hub, "").Handler())
	t.Cleanup(func() {
		hub.DropConnections()
		ts.Close()
	})
	return hub, ts
}

func socketURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
}

type client struct {
	sess   *session.Session
	socket *ws.Socket
}

func startClient(t *testing.T, ts *httptest.Server, userID, token string) *client {
	t.Helper()
	header := http.Header{}
	header.Set("token", token)
	socket := ws.New(context.Background(), ws.Options{
		URL:          socketURL(ts),
		Header:       header,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
	socket.Start()

	sess := session.New(socket, history.New(ts.URL, token, nil), session.Config{UserID: userID})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sess.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-sess.Done()
		socket.Close()
	})
	return &client{sess: sess, socket: socket}
}

func (c *client) snapshot(t *testing.T) session.Snapshot {
	t.Helper()
	snap, err := c.sess.Snapshot()
	require.NoError(t, err)
	return snap
}

func (c *client) count(t *testing.T, content string) int {
	n := 0
	for _, m := range c.snapshot(t).Messages {
		if m.Content == content {
			n++
		}
	}
	return n
}

func (c *client) joined(t *testing.T) bool {
	snap := c.snapshot(t)
	return snap.Connected && snap.Membership == membership.Joined && !snap.Loading
}

func TestIntegration(t *testing.T) {
	hub, ts := startDevServer(t)

	alice := startClient(t, ts, "1", "alice-token")
	bob := startClient(t, ts, "2", "bob-token")

	require.NoError(t, alice.sess.Open(devserver.TownhallID))
	require.NoError(t, bob.sess.Open(devserver.TownhallID))

	require.Eventually(t, func() bool {
		return alice.joined(t) && bob.joined(t) && hub.Members(devserver.TownhallID) == 2
	}, waitFor, 10*time.Millisecond)

	// Seeded history is loaded.
	assert.Equal(t, 1, alice.count(t, "Hello everyone!"))

	require.NoError(t, alice.sess.Send("hello from alice"))
	require.Eventually(t, func() bool {
		return alice.count(t, "hello from alice") == 1 &&
			bob.count(t, "hello from alice") == 1 &&
			!alice.snapshot(t).Sending
	}, waitFor, 10*time.Millisecond)

	groups, err := alice.sess.Groups()
	require.NoError(t, err)
	last := groups[len(groups)-1]
	assert.Equal(t, "Today", last.Label)
	assert.True(t, last.Items[len(last.Items)-1].IsOwn)

	t.Run("Reconnect", func(t *testing.T) {
		require.Equal(t, 2, hub.DropConnections())

		require.Eventually(t, func() bool {
			return alice.joined(t) && bob.joined(t) && hub.Members(devserver.TownhallID) == 2
		}, waitFor, 10*time.Millisecond)

		require.NoError(t, bob.sess.Send("after reconnect"))
		require.Eventually(t, func() bool {
			return alice.count(t, "after reconnect") == 1 && bob.count(t, "after reconnect") == 1
		}, waitFor, 10*time.Millisecond)

		// Resync after reconnect does not duplicate anything.
		assert.Equal(t, 1, alice.count(t, "hello from alice"))
		assert.Equal(t, 1, bob.count(t, "Hello everyone!"))
	})

	t.Run("SwitchRoom", func(t *testing.T) {
		require.NoError(t, bob.sess.Open("dm_1_2"))
		require.Eventually(t, func() bool {
			return bob.joined(t) && hub.Members(devserver.TownhallID) == 1 && hub.Members("dm_1_2") == 1
		}, waitFor, 10*time.Millisecond)

		require.NoError(t, alice.sess.Send("bob is gone"))
		require.Eventually(t, func() bool {
			return alice.count(t, "bob is gone") == 1
		}, waitFor, 10*time.Millisecond)
		assert.Zero(t, bob.count(t, "bob is gone"))
		assert.Equal(t, 1, bob.count(t, "Hello Bob!"))
	})

	t.Run("Close", func(t *testing.T) {
		require.NoError(t, alice.sess.Close())
		require.Eventually(t, func() bool {
			return hub.Members(devserver.TownhallID) == 0
		}, waitFor, 10*time.Millisecond)
	})
}

// syncBuffer is written by the client goroutines and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_Chat(t *testing.T) {
	_, ts := startDevServer(t)
	t.Setenv("CHATSYNC_SERVER_URL", socketURL(ts))
	t.Setenv("CHATSYNC_API_URL", ts.URL)
	t.Setenv("CHATSYNC_RECONNECT_MIN", "10ms")
	t.Setenv("CHATSYNC_RECONNECT_MAX", "50ms")

	stdin, input := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{"--chat", devserver.TownhallID, "--token", "alice-token", "--user", "1"}, stdin, out)
	}()

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "-- online --") && strings.Contains(s, "Hello everyone!")
	}, waitFor, 10*time.Millisecond)

	_, err := io.WriteString(input, "hello **there**\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "you: hello **there**")
	}, waitFor, 10*time.Millisecond)

	_, err = io.WriteString(input, quitCommand+"\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("run did not return after quit")
	}
	_ = input.Close()

	assert.Contains(t, out.String(), "== townhall ==")
	assert.Contains(t, out.String(), "bob: Hi **Alice**!")
}

func TestRun_ListChats(t *testing.T) {
	_, ts := startDevServer(t)
	t.Setenv("CHATSYNC_API_URL", ts.URL)
	cacheFile := filepath.Join(t.TempDir(), "cache.db")

	var out bytes.Buffer
	err := run(context.Background(), []string{"--list", "--token", "bob-token", "--cache", cacheFile}, strings.NewReader(""), &out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], devserver.TownhallID))
	assert.Contains(t, lines[0], "group")

	// With the API down the cached list is printed.
	ts.Close()
	var cached bytes.Buffer
	err = run(context.Background(), []string{"--list", "--token", "bob-token", "--cache", cacheFile}, strings.NewReader(""), &cached)
	require.NoError(t, err)
	assert.Contains(t, cached.String(), devserver.TownhallID)
	assert.Contains(t, cached.String(), "dm_1_2")
}

func TestRun_Errors(t *testing.T) {
	t.Run("NoChat", func(t *testing.T) {
		err := run(context.Background(), nil, strings.NewReader(""), io.Discard)
		require.ErrorContains(t, err, "no chat selected")
	})

	t.Run("BadConfig", func(t *testing.T) {
		t.Setenv("CHATSYNC_SERVER_URL", "http://localhost/socket")
		err := run(context.Background(), []string{"--chat", "x"}, strings.NewReader(""), io.Discard)
		require.ErrorContains(t, err, "CHATSYNC_SERVER_URL")
	})

	t.Run("UnknownFlag", func(t *testing.T) {
		err := run(context.Background(), []string{"--nope"}, strings.NewReader(""), io.Discard)
		require.Error(t, err)
	})
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &printer{out: &out, seen: make(map[string]bool)}
	now := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)
	msg := models.Message{ID: "m1", ChatID: "roomA", Sender: models.Sender{ID: "2", Username: "bob"}, Content: "hi", CreatedAt: now}

	snap := session.Snapshot{RoomID: "roomA", Connected: true, Membership: membership.AwaitingConnection, Messages: []models.Message{msg}}
	groups := projector.Project(snap.Messages, projector.Options{Now: now, Location: time.UTC})
	p.print(snap, groups)
	snap.Membership = membership.Joined
	p.print(snap, groups)

	snap.SendErr = session.ErrAckTimeout
	p.print(snap, groups)
	p.print(snap, groups)

	assert.Equal(t, "== roomA ==\n-- online --\n-- Today --\n[12:00] bob: hi\n! "+session.ErrAckTimeout.Error()+"\n", out.String())
}
