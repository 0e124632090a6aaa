//go:build e2e

package e2e

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type TestServer struct {
	Addr string
	Cmd  *exec.Cmd
}

func getFreePort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	require.NoError(t, err)

	l, err := net.ListenTCP("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T, addr string) *TestServer {
	if addr == "" {
		addr = fmt.Sprintf("localhost:%d", getFreePort(t))
	}

	cmd := exec.Command(serverBinPath, "--addr", addr)
	cmd.Env = os.Environ()

	err := cmd.Start()
	require.NoError(t, err)

	// Wait for server to be ready
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		return false
	}, 5*time.Second, 200*time.Millisecond, "Server failed to start")

	return &TestServer{Addr: addr, Cmd: cmd}
}

func (s *TestServer) Stop() {
	if s.Cmd != nil && s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
		_ = s.Cmd.Wait()
	}
}

func (s *TestServer) Env() []string {
	return append(os.Environ(),
		fmt.Sprintf("CHATSYNC_SERVER_URL=ws://%s/socket", s.Addr),
		fmt.Sprintf("CHATSYNC_API_URL=http://%s", s.Addr),
		"CHATSYNC_RECONNECT_MIN=50ms",
		"CHATSYNC_RECONNECT_MAX=200ms",
	)
}

// output collects a process's stdout for polling.
type output struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Write(p)
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

type TestClient struct {
	Cmd   *exec.Cmd
	In    io.WriteCloser
	Out   *output
	waitC chan error
}

func startClient(t *testing.T, server *TestServer, args ...string) *TestClient {
	cmd := exec.Command(clientBinPath, args...)
	cmd.Env = server.Env()
	out := &output{}
	cmd.Stdout = out

	in, err := cmd.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	c := &TestClient{Cmd: cmd, In: in, Out: out, waitC: make(chan error, 1)}
	go func() { c.waitC <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return c
}

func (c *TestClient) Say(t *testing.T, line string) {
	_, err := io.WriteString(c.In, line+"\n")
	require.NoError(t, err)
}

func (c *TestClient) WaitFor(t *testing.T, text string) {
	require.Eventually(t, func() bool {
		return strings.Contains(c.Out.String(), text)
	}, 10*time.Second, 50*time.Millisecond, "client output never contained %q:\n%s", text, c.Out.String())
}

func (c *TestClient) WaitForCount(t *testing.T, text string, n int) {
	require.Eventually(t, func() bool {
		return strings.Count(c.Out.String(), text) >= n
	}, 10*time.Second, 50*time.Millisecond, "client output never contained %q %d times:\n%s", text, n, c.Out.String())
}

func (c *TestClient) Quit(t *testing.T) {
	c.Say(t, "/quit")
	select {
	case err := <-c.waitC:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("client did not exit")
	}
}
