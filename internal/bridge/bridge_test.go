package bridge

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const childEnv = "BRIDGE_TEST_CHILD"

// TestMain doubles as the child process: when childEnv is set the test
// binary behaves like a small stdio program instead of running tests.
func TestMain(m *testing.M) {
	switch os.Getenv(childEnv) {
	case "":
		os.Exit(m.Run())
	case "echo":
		_, _ = io.Copy(os.Stdout, os.Stdin)
		os.Exit(0)
	case "exit-after-line":
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		_, _ = os.Stdout.WriteString("bye " + line)
		os.Exit(3)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		_, _ = io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Hour)
	}
}

func startBridge(t *testing.T, mode string, opts ...func(*Bridge)) *Bridge {
	t.Helper()
	b := &Bridge{
		Addr:      "127.0.0.1:0",
		Command:   os.Args[0],
		Env:       append(os.Environ(), childEnv+"="+mode),
		KillGrace: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		cancel()
		drainCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		assert.NoError(t, b.Drain(drainCtx))
	})
	return b
}

func dial(t *testing.T, b *Bridge) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", b.ListenAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out reading line")
		return ""
	}
}

func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := io.Copy(io.Discard, conn)
	// a reset also counts as closed by the server
	if err != nil {
		assert.NotContains(t, err.Error(), "timeout")
	}
}

func TestRelayIsByteTransparent(t *testing.T) {
	b := startBridge(t, "echo")
	conn := dial(t, b)
	r := bufio.NewReader(conn)

	payload := `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, readLine(t, r))

	_, err = conn.Write([]byte("not json at all\n"))
	require.NoError(t, err)
	assert.Equal(t, "not json at all\n", readLine(t, r))

	require.Equal(t, 1, b.Len())
	c := b.Registry().Snapshot()[0]
	assert.Equal(t, StatePiping, c.State())
	assert.NotZero(t, c.Pid())
}

func TestClientDisconnectTerminatesChild(t *testing.T) {
	b := startBridge(t, "echo")
	conn := dial(t, b)
	require.Eventually(t, func() bool { return b.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	c := b.Registry().Snapshot()[0]

	require.NoError(t, conn.Close())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not cleaned up")
	}
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, StateClosed, c.State())
	cause, closed := c.Cause()
	assert.True(t, closed)
	assert.Contains(t, []Event{EventSocketEnd, EventSocketError, EventProcessExit}, cause)
}

func TestChildExitClosesConnection(t *testing.T) {
	b := startBridge(t, "exit-after-line")
	conn := dial(t, b)
	r := bufio.NewReader(conn)

	_, err := conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, "bye hello\n", readLine(t, r))

	expectEOF(t, conn)
	require.Eventually(t, func() bool { return b.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSpawnFailureWritesErrorLine(t *testing.T) {
	b := &Bridge{Addr: "127.0.0.1:0", Command: "/nonexistent/prompt-engine"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))

	conn := dial(t, b)
	line := readLine(t, bufio.NewReader(conn))
	assert.JSONEq(t, `{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal error: Failed to start MCP server"}}`, strings.TrimSpace(line))
	expectEOF(t, conn)
	assert.Equal(t, 0, b.Len())
}

func TestStubbornChildIsKilled(t *testing.T) {
	b := startBridge(t, "stubborn")
	conn := dial(t, b)
	require.Eventually(t, func() bool { return b.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	c := b.Registry().Snapshot()[0]

	require.NoError(t, conn.Close())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stubborn child survived")
	}
	assert.True(t, c.exitedNow())
}

func TestDrainClosesEveryConnection(t *testing.T) {
	b := startBridge(t, "echo")
	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conns = append(conns, dial(t, b))
	}
	require.Eventually(t, func() bool { return b.Len() == 3 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Drain(ctx))
	assert.Equal(t, 0, b.Len())

	for _, conn := range conns {
		expectEOF(t, conn)
	}
	_, err := net.DialTimeout("tcp", b.ListenAddr().String(), time.Second)
	assert.Error(t, err, "listener must be closed")
}

func TestServeRacingDrain(t *testing.T) {
	for i := 0; i < 20; i++ {
		b := &Bridge{
			Command:   os.Args[0],
			Env:       append(os.Environ(), childEnv+"=echo"),
			KillGrace: 200 * time.Millisecond,
		}

		const n = 4
		results := make(chan error, n)
		for j := 0; j < n; j++ {
			server, client := net.Pipe()
			t.Cleanup(func() { client.Close() })
			go func() { results <- b.Serve(server, "pipe") }()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, b.Drain(ctx))
		cancel()

		for j := 0; j < n; j++ {
			select {
			case err := <-results:
				if err != nil {
					assert.ErrorIs(t, err, ErrStopped)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Serve did not return after Drain")
			}
		}
		assert.Equal(t, 0, b.Len())

		server, client := net.Pipe()
		client.Close()
		assert.ErrorIs(t, b.Serve(server, "late"), ErrStopped)
	}
}

func TestMaxConnections(t *testing.T) {
	b := startBridge(t, "echo", func(b *Bridge) { b.MaxConnections = 1 })
	dial(t, b)
	require.Eventually(t, func() bool { return b.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	second := dial(t, b)
	line := readLine(t, bufio.NewReader(second))
	assert.Contains(t, line, "Too many connections")
	assert.Equal(t, 1, b.Len())
}

func TestWebSocketBridge(t *testing.T) {
	b := &Bridge{
		Command:   os.Args[0],
		Env:       append(os.Environ(), childEnv+"=echo"),
		KillGrace: 200 * time.Millisecond,
	}
	server := httptest.NewServer(http.HandlerFunc(b.ServeWebSocket))
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("over websocket\n")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got strings.Builder
	for !strings.HasSuffix(got.String(), "\n") {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		got.Write(data)
	}
	assert.Equal(t, "over websocket\n", got.String())
	assert.Equal(t, 1, b.Len())

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ws.Close()
	require.Eventually(t, func() bool { return b.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{StatePiping, EventProcessExit, StateClosing, true},
		{StatePiping, EventSocketError, StateClosing, true},
		{StatePiping, EventSocketEnd, StateClosing, true},
		{StatePiping, EventShutdown, StateClosing, true},
		{StateSpawning, EventShutdown, StateClosing, true},
		{StateSpawning, EventSocketEnd, StateSpawning, false},
		{StateClosing, EventProcessExit, StateClosing, false},
		{StateClosed, EventShutdown, StateClosed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			to, ok := next(tt.from, tt.ev)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
