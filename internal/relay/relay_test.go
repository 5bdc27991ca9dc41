package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/halvorsen/sshrelay/internal/authn"
	"github.com/halvorsen/sshrelay/internal/sshdial"
	"github.com/halvorsen/sshrelay/internal/target"
)

// fakeTargets, the allowAll/denyAll admissions and rejectAllVerifier give each test full control
// over the AwaitingHandshake decisions without touching disk or the
// network.
type fakeTargets map[string]target.Target

func (f fakeTargets) Lookup(id string) (target.Target, bool) {
	t, ok := f[id]
	return t, ok
}

type allowAllAdmission struct{}

func (allowAllAdmission) Admit(string) bool { return true }

type denyAllAdmission struct{}

func (denyAllAdmission) Admit(string) bool { return false }

// rejectAllVerifier stands in for an Enforced Verifier that never
// accepts a token, regardless of what the client sends.
type rejectAllVerifier struct{}

func (rejectAllVerifier) Verify(string) (authn.Principal, bool) { return authn.Principal{}, false }

// denyNCallsLimiter allows nothing for its first n calls, then allows
// everything, so tests can assert a frame was dropped rather than
// forwarded.
type denyNCallsLimiter struct {
	mu       sync.Mutex
	n        int
	allowed  int
	rejected int
}

func (l *denyNCallsLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejected < l.n {
		l.rejected++
		return false
	}
	l.allowed++
	return true
}

// fakeShell is an in-memory ShellStream standing in for the SSH dialer,
// so relay tests exercise framing and teardown without a real SSH server.
type fakeShell struct {
	fromShell *io.PipeReader
	writtenMu sync.Mutex
	written   [][]byte

	resizesMu sync.Mutex
	resizes   []resizeFrame

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeShell() (*fakeShell, *io.PipeWriter) {
	toClientR, toClientW := io.Pipe()
	return &fakeShell{fromShell: toClientR, closed: make(chan struct{})}, toClientW
}

func (s *fakeShell) Read(p []byte) (int, error) { return s.fromShell.Read(p) }

func (s *fakeShell) Write(p []byte) (int, error) {
	s.writtenMu.Lock()
	cp := make([]byte, len(p))
	copy(cp, p)
	s.written = append(s.written, cp)
	s.writtenMu.Unlock()
	return len(p), nil
}

func (s *fakeShell) WindowChange(rows, cols int) error {
	s.resizesMu.Lock()
	s.resizes = append(s.resizes, resizeFrame{Type: "resize", Rows: rows, Cols: cols})
	s.resizesMu.Unlock()
	return nil
}

func (s *fakeShell) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.fromShell.Close()
	})
	return nil
}

func (s *fakeShell) writtenFrames() [][]byte {
	s.writtenMu.Lock()
	defer s.writtenMu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// testServer upgrades every connection straight into a relay Session
// built from the given Options, mirroring what the supervisor does.
func testServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		sess := New("test-session", conn, opts)
		sess.Serve()
	}))
}

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func baseOptions(dial DialFunc) Options {
	return Options{
		Targets:      fakeTargets{"t1": target.Target{ID: "t1", Host: "10.0.0.2", Port: 22, Username: "ada"}},
		Verifier:     nil,
		Admission:    allowAllAdmission{},
		Dial:         dial,
		AuthEnforced: false,
	}
}

func TestHappyPathHandshakeAndDataRoundTrip(t *testing.T) {
	shell, toClientW := newFakeShell()
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		require.Equal(t, "ada", tgt.Username)
		require.Equal(t, 120, cols)
		require.Equal(t, 40, rows)
		return shell, nil
	})
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	handshake := map[string]interface{}{
		"serverId": "t1",
		"cols":     120,
		"rows":     40,
		"auth":     map[string]string{"password": "p"},
	}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	// Client input must reach the shell byte-identical.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls\n")))

	require.Eventually(t, func() bool {
		frames := shell.writtenFrames()
		return len(frames) == 1 && string(frames[0]) == "ls\n"
	}, time.Second, 10*time.Millisecond)

	// Remote output must reach the client verbatim.
	_, err := toClientW.Write([]byte("total 0\n"))
	require.NoError(t, err)

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	require.Equal(t, "total 0\n", string(data))
}

func TestResizeSetsWindowAndForwardsNoBytes(t *testing.T) {
	shell, _ := newFakeShell()
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		return shell, nil
	})
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	handshake := map[string]interface{}{"serverId": "t1", "cols": 80, "rows": 24, "auth": map[string]string{"password": "p"}}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	resize, _ := json.Marshal(map[string]interface{}{"type": "resize", "rows": 50, "cols": 200})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, resize))

	require.Eventually(t, func() bool {
		shell.resizesMu.Lock()
		defer shell.resizesMu.Unlock()
		return len(shell.resizes) == 1
	}, time.Second, 10*time.Millisecond)

	require.Empty(t, shell.writtenFrames())
}

func TestAmbiguousTextInputForwardedVerbatim(t *testing.T) {
	shell, _ := newFakeShell()
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		return shell, nil
	})
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	handshake := map[string]interface{}{"serverId": "t1", "cols": 80, "rows": 24, "auth": map[string]string{"password": "p"}}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"other"}`)))

	require.Eventually(t, func() bool {
		frames := shell.writtenFrames()
		return len(frames) == 1 && string(frames[0]) == `{"type":"other"}`
	}, time.Second, 10*time.Millisecond)
}

func TestUnknownTargetClosesWithPolicyViolation(t *testing.T) {
	dialed := false
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		dialed = true
		return nil, nil
	})
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	handshake := map[string]interface{}{"serverId": "missing", "cols": 80, "rows": 24}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, reasonUnknownServer, closeErr.Text)
	require.False(t, dialed)
}

func TestHostDeniedClosesWithPolicyViolation(t *testing.T) {
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		t.Fatal("dialer must not be invoked when host is denied")
		return nil, nil
	})
	opts.Admission = denyAllAdmission{}
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	handshake := map[string]interface{}{"serverId": "t1", "cols": 80, "rows": 24, "auth": map[string]string{"password": "p"}}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, reasonHostDenied, closeErr.Text)
}

func TestNonJSONFirstFrameIsProtocolViolation(t *testing.T) {
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		t.Fatal("dialer must not be invoked")
		return nil, nil
	})
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, reasonFirstFrameNotJSON, closeErr.Text)
}

func TestClientCloseEndsSSHSession(t *testing.T) {
	shell, _ := newFakeShell()
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		return shell, nil
	})
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)

	handshake := map[string]interface{}{"serverId": "t1", "cols": 80, "rows": 24, "auth": map[string]string{"password": "p"}}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	require.Eventually(t, func() bool {
		select {
		case <-shell.closed:
			return false // not yet closed by us
		default:
			return true
		}
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		select {
		case <-shell.closed:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestPTYDeniedClosesWithInternalServerErr(t *testing.T) {
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		return nil, &sshdial.DialError{Kind: sshdial.KindPTYDenied, Err: errors.New("administratively prohibited")}
	})
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	handshake := map[string]interface{}{"serverId": "t1", "cols": 80, "rows": 24, "auth": map[string]string{"password": "p"}}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestDialErrorOtherThanPTYWritesSSHErrorLineThenNormalClose(t *testing.T) {
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		return nil, &sshdial.DialError{Kind: sshdial.KindAuthFailed, Err: errors.New("unable to authenticate")}
	})
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	handshake := map[string]interface{}{"serverId": "t1", "cols": 80, "rows": 24, "auth": map[string]string{"password": "p"}}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	require.Contains(t, string(data), "[SSH ERROR]")

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestInvalidTokenWithAuthEnforcedClosesWithPolicyViolation(t *testing.T) {
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		t.Fatal("dialer must not be invoked when the token is rejected")
		return nil, nil
	})
	opts.AuthEnforced = true
	opts.Verifier = rejectAllVerifier{}
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	handshake := map[string]interface{}{
		"serverId": "t1",
		"cols":     80,
		"rows":     24,
		"auth":     map[string]string{"password": "p"},
		"token":    "not-a-valid-token",
	}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, reasonJWTInvalid, closeErr.Text)
}

func TestRateLimiterDropsExcessInputFrames(t *testing.T) {
	shell, _ := newFakeShell()
	limiter := &denyNCallsLimiter{n: 1}
	opts := baseOptions(func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error) {
		return shell, nil
	})
	opts.NewLimiter = func() RateLimiter { return limiter }
	srv := testServer(t, opts)
	defer srv.Close()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	handshake := map[string]interface{}{"serverId": "t1", "cols": 80, "rows": 24, "auth": map[string]string{"password": "p"}}
	raw, _ := json.Marshal(handshake)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	// The first data frame is dropped by the limiter; the second, once
	// the limiter starts allowing again, must still reach the shell.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("dropped")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("kept")))

	require.Eventually(t, func() bool {
		frames := shell.writtenFrames()
		return len(frames) == 1 && string(frames[0]) == "kept"
	}, time.Second, 10*time.Millisecond)
}
