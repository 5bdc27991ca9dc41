// Package sshdial dials outbound SSH connections: dial(target,
// client-auth, cols, rows) -> ShellStream|DialError. It establishes an
// outbound transport, requests a PTY-backed shell, and merges stdout and
// stderr into one client-bound stream.
//
// The session/PTY plumbing (RequestPty with TerminalModes, StdinPipe,
// StdoutPipe, StderrPipe, Shell) is carried over near-verbatim from
// gowebssh's newSSHXtermSession/transformOutput, generalized from its
// per-message-type JSON framing to a plain io.Reader/io.Writer
// ShellStream the relay's pumps can treat uniformly. Host key acceptance
// (ssh.InsecureIgnoreHostKey) is preserved unconditionally; host key
// verification is explicitly out of scope here.
package sshdial

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/halvorsen/sshrelay/internal/target"
)

// Kind classifies a DialError; the dialer performs no retries and every
// kind is terminal to the session.
type Kind int

const (
	KindAuthFailed Kind = iota
	KindUnreachable
	KindPTYDenied
	KindTransportLost
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailed:
		return "auth failed"
	case KindUnreachable:
		return "unreachable"
	case KindPTYDenied:
		return "pty denied"
	case KindTransportLost:
		return "transport lost"
	default:
		return "unknown"
	}
}

// DialError wraps a terminal dial failure with its Kind.
type DialError struct {
	Kind Kind
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// ClientAuth is the sum type the client supplies in its first frame:
// Password | PrivateKey. Both may be set; the Dialer then attempts
// private key first, falling back to password.
type ClientAuth struct {
	Password   string
	PrivateKey []byte
	Passphrase []byte
}

func (a ClientAuth) hasPassword() bool   { return a.Password != "" }
func (a ClientAuth) hasPrivateKey() bool { return len(a.PrivateKey) > 0 }

// ShellStream is a duplex byte stream over an SSH shell: reads return the
// merged stdout+stderr flow, writes go to stdin, WindowChange resizes the
// remote PTY.
type ShellStream interface {
	io.Reader
	io.Writer
	WindowChange(rows, cols int) error
	Close() error
}

type shell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	out     *io.PipeReader

	closeOnce sync.Once
}

func (s *shell) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// windowChangeMsg mirrors the RFC 4254 window-change request body
// (character width, character height, pixel width, pixel height) in the
// same field order golang.org/x/crypto/ssh uses internally. It is
// re-declared here because the library's own ptyWindowChangeMsg hardwires
// pixel dimensions as a flat multiple of the character dimensions, while
// this relay reports an asymmetric cols*8 x rows*16 pixel hint; sending a
// raw window-change request is the only way to carry that.
type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func (s *shell) WindowChange(rows, cols int) error {
	msg := windowChangeMsg{
		Columns: uint32(cols),
		Rows:    uint32(rows),
		Width:   uint32(cols * 8),
		Height:  uint32(rows * 16),
	}
	_, err := s.session.SendRequest("window-change", false, ssh.Marshal(&msg))
	return err
}

func (s *shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.out.Close()
		if cerr := s.session.Close(); cerr != nil && cerr != io.EOF {
			err = cerr
		}
		s.client.Close()
	})
	return err
}

// Dial establishes an outbound SSH transport to tgt, authenticates with
// auth, and requests an xterm-256color shell of the given dimensions.
// cols/rows of zero fall back to 80/24.
func Dial(ctx context.Context, tgt target.Target, auth ClientAuth, cols, rows int) (ShellStream, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	methods, err := authMethods(auth)
	if err != nil {
		return nil, &DialError{Kind: KindAuthFailed, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            tgt.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		addr := net.JoinHostPort(tgt.Host, strconv.Itoa(port(tgt)))
		client, err := ssh.Dial("tcp", addr, cfg)
		resultCh <- dialResult{client: client, err: err}
	}()

	var res dialResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		// Cancellation mid-dial: the in-flight dial is abandoned and its
		// eventual result, once it arrives, is discarded here.
		go func() {
			if r := <-resultCh; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, &DialError{Kind: KindUnreachable, Err: ctx.Err()}
	}
	if res.err != nil {
		return nil, classifyDialErr(res.err)
	}
	client := res.client

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, &DialError{Kind: KindUnreachable, Err: errors.Wrap(err, "session")}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		client.Close()
		return nil, &DialError{Kind: KindPTYDenied, Err: errors.Wrap(err, "request pty")}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, &DialError{Kind: KindPTYDenied, Err: errors.Wrap(err, "stdin")}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, &DialError{Kind: KindPTYDenied, Err: errors.Wrap(err, "stdout")}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, &DialError{Kind: KindPTYDenied, Err: errors.Wrap(err, "stderr")}
	}

	// stdout and stderr are merged into one client-bound stream: two
	// copy goroutines feed the same pipe writer, generalizing gowebssh's
	// copyToMessage-per-stream loop into a single reader the relay pumps
	// uniformly. Once both streams end, the pipe writer is closed so Read
	// reports EOF when the remote shell exits.
	pr, pw := io.Pipe()
	var copies sync.WaitGroup
	copies.Add(2)
	go func() {
		defer copies.Done()
		_, _ = io.Copy(pw, stdout)
	}()
	go func() {
		defer copies.Done()
		_, _ = io.Copy(pw, stderr)
	}()
	go func() {
		copies.Wait()
		_ = pw.Close()
	}()

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, &DialError{Kind: KindPTYDenied, Err: errors.Wrap(err, "shell")}
	}

	return &shell{client: client, session: session, stdin: stdin, out: pr}, nil
}

func port(tgt target.Target) int {
	if tgt.Port == 0 {
		return 22
	}
	return tgt.Port
}

// authMethods orders auth attempts private-key first, then password with
// a keyboard-interactive fallback that answers every prompt with the same
// secret. Supplying neither yields AuthFailed.
func authMethods(auth ClientAuth) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if auth.hasPrivateKey() {
		var signer ssh.Signer
		var err error
		if len(auth.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(auth.PrivateKey, auth.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(auth.PrivateKey)
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse private key")
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if auth.hasPassword() {
		methods = append(methods, ssh.Password(auth.Password))
		methods = append(methods, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = auth.Password
			}
			return answers, nil
		}))
	}

	if len(methods) == 0 {
		return nil, errors.New("no credentials supplied")
	}
	return methods, nil
}

func classifyDialErr(err error) *DialError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return &DialError{Kind: KindAuthFailed, Err: err}
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "no such host"):
		return &DialError{Kind: KindUnreachable, Err: err}
	default:
		return &DialError{Kind: KindTransportLost, Err: err}
	}
}
