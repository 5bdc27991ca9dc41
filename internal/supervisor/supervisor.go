// Package supervisor accepts client upgrades on a single path, spawns one
// relay per connection, and owns process-wide shutdown. It keeps no
// cross-session state beyond the live-session set it needs to drive a
// bounded shutdown drain.
package supervisor

import (
	"context"
	"io/ioutil"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/halvorsen/sshrelay/internal/relay"
)

// Supervisor upgrades HTTP requests to WebSocket and hands each to a
// fresh relay.Session.
type Supervisor struct {
	opts     relay.Options
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*relay.Session
	closed   bool
	wg       sync.WaitGroup
}

// New builds a Supervisor driving sessions with opts.
func New(opts relay.Options) *Supervisor {
	return &Supervisor{
		opts:   opts,
		logger: log.New(ioutil.Discard, "[supervisor] ", log.Ltime|log.Ldate),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*relay.Session),
	}
}

// SetLogger sets the supervisor's logger; it is also handed to every
// Session it spawns if opts.Logger was left nil.
func (s *Supervisor) SetLogger(l *log.Logger) *Supervisor {
	s.logger = l
	if s.opts.Logger == nil {
		s.opts.Logger = l
	}
	return s
}

// ServeHTTP upgrades the request and spawns one relay.Session: accept,
// register, and run the relay loop in its own goroutine, cleaning up
// when it exits.
func (s *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade: %v", err)
		return
	}

	id := uuid.NewString()
	sess := relay.New(id, conn, s.opts)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.untrack(id)
		s.logger.Printf("session %s started", id)
		sess.Serve()
		s.logger.Printf("session %s ended", id)
	}()
}

func (s *Supervisor) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Shutdown marks the supervisor closed (so no new upgrades are accepted),
// signals every live session to enter Closing, and waits for them to
// finish up to ctx's deadline. It never blocks indefinitely on a slow SSH
// teardown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*relay.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
