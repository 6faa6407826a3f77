package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, maxPerSec int) *Server {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	s := NewServer(sock, maxPerSec)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

// roundTrip performs the one-request/one-response exchange a client does.
func roundTrip(t *testing.T, socketPath string, payload []byte) Response {
	t.Helper()
	resp, err := tryRoundTrip(socketPath, payload)
	require.NoError(t, err)
	return *resp
}

func tryRoundTrip(socketPath string, payload []byte) (*Response, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %q: %w", raw, err)
	}
	return &resp, nil
}

func request(t *testing.T, method string, params map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(Request{Method: method, Params: params})
	require.NoError(t, err)
	return data
}

func TestPingRoundTrip(t *testing.T) {
	s := startTestServer(t, 100)
	s.RegisterHandler("ping", func(*Request) Response {
		return OK(map[string]any{"pong": true})
	})

	resp := roundTrip(t, s.SocketPath(), request(t, "ping", nil))
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["pong"])
}

func TestRequestIDEchoed(t *testing.T) {
	s := startTestServer(t, 100)
	s.RegisterHandler("ping", func(*Request) Response { return OK(nil) })

	payload, err := json.Marshal(Request{Method: "ping", ID: "req-7"})
	require.NoError(t, err)

	resp := roundTrip(t, s.SocketPath(), payload)
	assert.Equal(t, "req-7", resp.ID)
}

func TestMethodNotFound(t *testing.T) {
	s := startTestServer(t, 100)

	resp := roundTrip(t, s.SocketPath(), request(t, "no.such.method", nil))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeMethodNotFound, resp.Code)
	assert.Contains(t, resp.Error, "no.such.method")
}

func TestParseError(t *testing.T) {
	s := startTestServer(t, 100)

	resp := roundTrip(t, s.SocketPath(), []byte("{this is not json"))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeParseError, resp.Code)
}

func TestMissingMethodIsParseError(t *testing.T) {
	s := startTestServer(t, 100)

	resp := roundTrip(t, s.SocketPath(), []byte(`{"params":{}}`))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeParseError, resp.Code)
}

func TestRateLimit_DeniedBeforeDispatch(t *testing.T) {
	s := startTestServer(t, 10)

	var invocations atomic.Int64
	s.RegisterHandler("ping", func(*Request) Response {
		invocations.Add(1)
		return OK(map[string]any{"pong": true})
	})

	var ok, limited int
	for i := 0; i < 20; i++ {
		resp := roundTrip(t, s.SocketPath(), request(t, "ping", nil))
		if resp.Success {
			ok++
		} else if resp.Code == CodeRateLimited {
			limited++
		}
	}

	assert.GreaterOrEqual(t, ok, 10)
	assert.GreaterOrEqual(t, limited, 5)

	// Denied requests never reach the handler.
	assert.Equal(t, int64(ok), invocations.Load())
}

func TestGracefulDrain(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "drain.sock")
	s := NewServer(sock, 100)
	require.NoError(t, s.Start())

	s.RegisterHandler("slow", func(*Request) Response {
		time.Sleep(500 * time.Millisecond)
		return OK(map[string]any{"done": true})
	})

	respCh := make(chan *Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := tryRoundTrip(sock, []byte(`{"method":"slow"}`))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	// Let the request reach the handler before stopping.
	time.Sleep(150 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Stop returned only after the in-flight response was written.
	select {
	case err := <-errCh:
		t.Fatalf("client error: %v", err)
	case resp := <-respCh:
		assert.True(t, resp.Success)
	case <-time.After(time.Second):
		t.Fatal("no response after Stop returned")
	}

	assert.Equal(t, 0, s.ActiveConnections())

	_, err := os.Stat(sock)
	assert.True(t, os.IsNotExist(err), "socket file should be unlinked after Stop")
}

// TestSlowHandler_ResponseStillDelivered runs a handler past the socket
// timeout; there is no per-handler deadline, and the write gets its own
// fresh budget, so the client must still receive the response.
func TestSlowHandler_ResponseStillDelivered(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "slow.sock")
	s := NewServer(sock, 100)
	s.timeout = 200 * time.Millisecond
	require.NoError(t, s.Start())
	defer s.Stop()

	s.RegisterHandler("think", func(*Request) Response {
		time.Sleep(600 * time.Millisecond)
		return OK(map[string]any{"answer": 42.0})
	})

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"method":"think"}`))
	require.NoError(t, err)
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, err := io.ReadAll(conn)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, 42.0, data["answer"])
}

func TestStart_SocketPathTooLong(t *testing.T) {
	long := "/tmp/" + strings.Repeat("x", 120) + ".sock"
	s := NewServer(long, 100)

	err := s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")

	_, statErr := os.Stat(long)
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, s.IsRunning())
}

func TestStart_RemovesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(sock, []byte("stale"), 0o644))

	s := NewServer(sock, 100)
	require.NoError(t, s.Start())
	defer s.Stop()

	s.RegisterHandler("ping", func(*Request) Response { return OK(nil) })
	resp := roundTrip(t, sock, request(t, "ping", nil))
	assert.True(t, resp.Success)
}

func TestRegisterHandler_ReplaceAndNested(t *testing.T) {
	s := startTestServer(t, 100)

	s.RegisterHandler("greet", func(*Request) Response {
		return OK(map[string]any{"greeting": "old"})
	})
	s.RegisterHandler("greet", func(*Request) Response {
		return OK(map[string]any{"greeting": "new"})
	})

	resp := roundTrip(t, s.SocketPath(), request(t, "greet", nil))
	data := resp.Data.(map[string]any)
	assert.Equal(t, "new", data["greeting"])

	// A handler may register another handler without deadlocking.
	s.RegisterHandler("install", func(*Request) Response {
		s.RegisterHandler("installed", func(*Request) Response {
			return OK(map[string]any{"ok": true})
		})
		return OK(nil)
	})

	resp = roundTrip(t, s.SocketPath(), request(t, "install", nil))
	require.True(t, resp.Success)

	resp = roundTrip(t, s.SocketPath(), request(t, "installed", nil))
	assert.True(t, resp.Success)
}

func TestHandlerPanic_BecomesInternalError(t *testing.T) {
	s := startTestServer(t, 100)
	s.RegisterHandler("explode", func(*Request) Response {
		panic("kaboom")
	})

	resp := roundTrip(t, s.SocketPath(), request(t, "explode", nil))
	assert.False(t, resp.Success)
	assert.Equal(t, CodeInternalError, resp.Code)
	assert.Contains(t, resp.Error, "kaboom")
}

func TestEmptyConnectionIgnored(t *testing.T) {
	s := startTestServer(t, 100)
	s.RegisterHandler("ping", func(*Request) Response { return OK(nil) })

	conn, err := net.Dial("unix", s.SocketPath())
	require.NoError(t, err)
	conn.Close()

	// Server keeps serving after an empty connection.
	resp := roundTrip(t, s.SocketPath(), request(t, "ping", nil))
	assert.True(t, resp.Success)
}

func TestConcurrentClients(t *testing.T) {
	s := startTestServer(t, 1000)
	s.RegisterHandler("echo", func(req *Request) Response {
		v, _ := req.StringParam("v")
		return OK(map[string]any{"v": v})
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("client-%d", i)
			resp, err := tryRoundTrip(s.SocketPath(), request(t, "echo", map[string]any{"v": want}))
			if err != nil {
				t.Errorf("client %d: %v", i, err)
				return
			}
			data, _ := resp.Data.(map[string]any)
			if data["v"] != want {
				t.Errorf("client %d: got %v", i, data["v"])
			}
		}(i)
	}
	wg.Wait()
}

func TestStop_Idempotent(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "idem.sock")
	s := NewServer(sock, 100)
	require.NoError(t, s.Start())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}
