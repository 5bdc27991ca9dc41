// Package relay implements the session relay: the state machine that
// owns one client<->SSH pairing, drives the handshake, pumps bytes both
// ways, handles resize, and guarantees symmetric teardown.
//
// The overall shape — a long-lived object reading JSON control frames off
// a *websocket.Conn and driving an SSH session from them — is carried
// over from gowebssh's WebSSH.server loop. What changes is that its
// single flat switch over messageType (login/password/publickey/stdin/
// stdout/stderr/resize) becomes an explicit state field
// (AwaitingHandshake/Dialing/Ready/Closing/Closed) with one handshake
// frame instead of three sequential control messages, and its two
// unbuffered "copy loop" goroutines become a single writer goroutine
// draining a bounded channel until it closes; the writer checks the
// liveness flag before each send and drops data once the client is gone.
package relay

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/halvorsen/sshrelay/internal/authn"
	"github.com/halvorsen/sshrelay/internal/sshdial"
	"github.com/halvorsen/sshrelay/internal/target"
)

type state int32

const (
	stateAwaitingHandshake state = iota
	stateDialing
	stateReady
	stateClosing
	stateClosed
)

// Close reasons sent as WebSocket close-frame text. Host denial's wording
// is this relay's own addition, kept in the same register as the rest.
const (
	reasonFirstFrameNotJSON = "Primul mesaj trebuie să fie JSON"
	reasonUnknownServer     = "Server necunoscut"
	reasonJWTInvalid        = "JWT invalid"
	reasonHostDenied        = "Gazdă interzisă"
)

// TargetLookup resolves a target id, the contract the target directory
// exposes to the relay.
type TargetLookup interface {
	Lookup(id string) (target.Target, bool)
}

// Admission enforces a host allow-list.
type Admission interface {
	Admit(host string) bool
}

// DialFunc establishes an outbound SSH shell for a resolved target.
type DialFunc func(ctx context.Context, tgt target.Target, auth sshdial.ClientAuth, cols, rows int) (sshdial.ShellStream, error)

// RateLimiter gates input frames read from the client: Allow reports whether the
// next frame may proceed, consuming one token if so. It is a transport
// safety net, not a protocol feature — a disallowed frame is dropped,
// never delayed or reordered.
type RateLimiter interface {
	Allow() bool
}

// Options bundles a Session's external collaborators; one Options is
// shared read-only across every session the supervisor spawns.
type Options struct {
	Targets      TargetLookup
	Verifier     authn.Verifier
	Admission    Admission
	Dial         DialFunc
	AuthEnforced bool
	Logger       *log.Logger
	BufferSize   int

	// NewLimiter, if set, is called once per Session to build its
	// RateLimiter. Left nil, a session has no input rate limiting.
	NewLimiter func() RateLimiter
}

// Session is one client<->SSH pairing. It is exclusively owned by the
// goroutine that calls Serve; no other goroutine reads or writes its
// transports directly; the one exception is Close, safe for concurrent
// use, used by the supervisor to force early shutdown.
type Session struct {
	id      string
	client  *websocket.Conn
	opts    Options
	logger  *log.Logger
	limiter RateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	alive     atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}

	mu    sync.Mutex
	shell sshdial.ShellStream
}

// New builds a Session for an already-upgraded client connection. id is
// a caller-supplied correlation id (the supervisor mints a uuid per
// connection); the relay only requires that it is a stable string and
// attaches no other meaning to it.
//
// The Session owns its own cancellation context for the lifetime of the
// connection, independent of whatever request produced the upgrade: an
// HTTP request's context is canceled the moment its handler returns,
// which happens as soon as the session goroutine is spawned, so using it
// here would abort every outbound SSH dial before it could complete.
func New(id string, client *websocket.Conn, opts Options) *Session {
	if opts.BufferSize == 0 {
		opts.BufferSize = 8192
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(ioutil.Discard, "[relay] ", log.Ltime|log.Ldate)
	}
	var limiter RateLimiter
	if opts.NewLimiter != nil {
		limiter = opts.NewLimiter()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		client:  client,
		opts:    opts,
		logger:  logger,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	s.state.Store(int32(stateAwaitingHandshake))
	s.alive.Store(true)
	return s
}

// Serve drives the session to completion: handshake, dial, pump, and
// teardown. It blocks until the session reaches Closed.
func (s *Session) Serve() {
	defer s.teardown()

	cfg, cerr := s.awaitHandshake()
	if cerr != nil {
		s.setState(stateClosing)
		s.closeWithCode(cerr.code, cerr.reason)
		return
	}

	s.setState(stateDialing)
	dialDone := make(chan struct{})
	watcherStopped := make(chan struct{})
	go s.watchForClientDisconnect(dialDone, watcherStopped)
	shell, err := s.opts.Dial(s.ctx, cfg.target, cfg.auth, cfg.cols, cfg.rows)
	close(dialDone)
	<-watcherStopped

	if err != nil {
		s.setState(stateClosing)
		s.handleDialError(err)
		return
	}

	s.mu.Lock()
	s.shell = shell
	s.mu.Unlock()

	s.setState(stateReady)
	s.pump(shell)
}

// watchForClientDisconnect polls the client transport in short bursts
// while Dialing, since closure of either transport is the only
// cancellation signal a session recognizes and there is otherwise no
// reader watching the client during this state. A real disconnect
// cancels s.ctx, abandoning the in-flight dial; a read timeout just
// means the client is still there and the poll continues. It stops — and
// clears any read deadline it set — once dialDone fires, and Serve waits
// for it to stop before Ready begins, so it never overlaps with
// readClientLoop's single reader.
func (s *Session) watchForClientDisconnect(dialDone <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		select {
		case <-dialDone:
			_ = s.client.SetReadDeadline(time.Time{})
			return
		default:
		}

		_ = s.client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, _, err := s.client.ReadMessage()
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		s.cancel()
		return
	}
}

// Close forces the session into Closing from outside Serve's goroutine,
// used by the supervisor during shutdown drain. Idempotent.
func (s *Session) Close() {
	s.setState(stateClosing)
	s.closeWithCode(websocket.CloseGoingAway, "")
}

func (s *Session) setState(st state) {
	s.state.Store(int32(st))
}

type closeErr struct {
	code   int
	reason string
}

func (e *closeErr) Error() string { return fmt.Sprintf("close %d: %s", e.code, e.reason) }

type sessionConfig struct {
	target target.Target
	cols   int
	rows   int
	auth   sshdial.ClientAuth
}

// awaitHandshake reads and validates exactly one first frame. No bytes
// are forwarded before this returns successfully.
func (s *Session) awaitHandshake() (sessionConfig, *closeErr) {
	mt, data, err := s.client.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		return sessionConfig{}, &closeErr{websocket.ClosePolicyViolation, reasonFirstFrameNotJSON}
	}

	hf, err := parseHandshake(data)
	if err != nil || hf.ServerID == "" {
		return sessionConfig{}, &closeErr{websocket.ClosePolicyViolation, reasonFirstFrameNotJSON}
	}

	tgt, ok := s.opts.Targets.Lookup(hf.ServerID)
	if !ok {
		return sessionConfig{}, &closeErr{websocket.ClosePolicyViolation, reasonUnknownServer}
	}

	if s.opts.AuthEnforced {
		if _, ok := s.opts.Verifier.Verify(hf.Token); !ok {
			return sessionConfig{}, &closeErr{websocket.ClosePolicyViolation, reasonJWTInvalid}
		}
	}

	if !s.opts.Admission.Admit(tgt.Host) {
		return sessionConfig{}, &closeErr{websocket.ClosePolicyViolation, reasonHostDenied}
	}

	cols, rows := hf.Cols, hf.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	auth, authErr := clientAuthFrom(hf.Auth)
	if authErr != nil {
		// Missing credentials are deferred to the Dialer's AuthFailed
		// path rather than rejected here, so every auth failure surfaces
		// through the same [SSH ERROR] channel.
		s.logger.Printf("%s: %v", s.id, authErr)
	}

	return sessionConfig{target: tgt, cols: cols, rows: rows, auth: auth}, nil
}

func clientAuthFrom(b authBlock) (sshdial.ClientAuth, error) {
	var auth sshdial.ClientAuth
	if b.PrivateKey != nil {
		auth.PrivateKey = []byte(*b.PrivateKey)
	}
	if b.Passphrase != nil {
		auth.Passphrase = []byte(*b.Passphrase)
	}
	if b.Password != nil {
		auth.Password = *b.Password
	}
	if auth.PrivateKey == nil && auth.Password == "" {
		return auth, errors.New("auth block carries neither password nor privateKey")
	}
	return auth, nil
}

// handleDialError maps a DialError to close behaviour: PTYDenied gets its
// own close code; every other Dialing failure gets a best-effort
// diagnostic line followed by a normal close.
func (s *Session) handleDialError(err error) {
	var de *sshdial.DialError
	if errors.As(err, &de) && de.Kind == sshdial.KindPTYDenied {
		s.closeWithCode(websocket.CloseInternalServerErr, de.Error())
		return
	}
	s.writeSSHErrorLine(err)
	s.closeWithCode(websocket.CloseNormalClosure, "")
}

// writeSSHErrorLine emits a single best-effort diagnostic line to the
// client. Failure to write is swallowed.
func (s *Session) writeSSHErrorLine(err error) {
	msg := fmt.Sprintf("\r\n[SSH ERROR] %s\r\n", err)
	_ = s.client.WriteMessage(websocket.TextMessage, []byte(msg))
}

// pump is the Ready state: a writer goroutine drains a bounded channel to
// the client, an SSH reader goroutine feeds that channel, and the calling
// goroutine reads client frames until the client transport closes.
func (s *Session) pump(shell sshdial.ShellStream) {
	outCh := make(chan []byte, 1)
	writerDone := make(chan struct{})

	go s.writeLoop(outCh, writerDone)
	go s.readSSHLoop(shell, outCh)

	s.readClientLoop(shell)
	<-writerDone
}

func (s *Session) writeLoop(outCh <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for data := range outCh {
		if !s.alive.Load() {
			continue
		}
		if err := s.client.WriteMessage(websocket.BinaryMessage, data); err != nil {
			s.alive.Store(false)
		}
	}
}

// readSSHLoop forwards bytes from the SSH shell to outCh. The channel's
// capacity of one is a bounded queue for backpressure: once it is full,
// this loop blocks on send instead of reading further from the shell, so
// a slow client throttles reads from SSH rather than the relay buffering
// unboundedly.
func (s *Session) readSSHLoop(shell sshdial.ShellStream, outCh chan<- []byte) {
	defer close(outCh)
	buf := make([]byte, s.opts.BufferSize)
	for {
		n, err := shell.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case outCh <- chunk:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			s.onSSHClosed()
			return
		}
	}
}

// onSSHClosed implements "Ready | SSH stream close | Closing | close
// client transport cleanly".
func (s *Session) onSSHClosed() {
	s.setState(stateClosing)
	s.closeWithCode(websocket.CloseNormalClosure, "")
}

// readClientLoop implements the Ready-state client-frame handling: Data
// is written to the shell verbatim, Resize sets the PTY window, and any
// frame that is not a valid resize is forwarded as Data. A client read
// error or a failed shell write ends the session. It implements "Ready |
// client transport close | Closing | end SSH session".
func (s *Session) readClientLoop(shell sshdial.ShellStream) {
	for {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			s.endSSHSession(shell)
			return
		}

		if mt == websocket.TextMessage {
			if rf, ok := tryParseResize(data); ok {
				if werr := shell.WindowChange(rf.Rows, rf.Cols); werr != nil {
					s.logger.Printf("%s: window-change: %v", s.id, werr)
				}
				continue
			}
		}

		if s.limiter != nil && !s.limiter.Allow() {
			continue
		}

		if _, werr := shell.Write(data); werr != nil {
			s.endSSHSession(shell)
			return
		}
	}
}

func (s *Session) endSSHSession(shell sshdial.ShellStream) {
	s.setState(stateClosing)
	s.alive.Store(false)
	_ = shell.Close()
}

// closeWithCode sends a close control frame (best effort) and tears the
// session down. Safe to call more than once; only the first call acts.
func (s *Session) closeWithCode(code int, reason string) {
	s.alive.Store(false)
	deadline := time.Now().Add(time.Second)
	_ = s.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	s.teardown()
}

// teardown guarantees exactly-once, idempotent release of both
// transports, and that no goroutine retains a reference to either
// afterward: closing s.closed unblocks readSSHLoop if it is parked on a
// full outCh, and closing the shell unblocks any in-flight shell.Read.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.setState(stateClosing)
		s.cancel()
		close(s.closed)
		s.alive.Store(false)
		s.mu.Lock()
		shell := s.shell
		s.mu.Unlock()
		if shell != nil {
			_ = shell.Close()
		}
		_ = s.client.Close()
		s.setState(stateClosed)
	})
}
