// Command sshrelayd is the process bootstrap: it wires configuration,
// the target directory, token verifier, host admission, and the session
// supervisor onto a chi router, and drives graceful shutdown on
// SIGINT/SIGTERM. Its shape — signal.NotifyContext, a bounded drain, then
// srv.Shutdown — is carried over from gluk-w/claworc's control-plane
// main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/halvorsen/sshrelay/internal/admission"
	"github.com/halvorsen/sshrelay/internal/authn"
	"github.com/halvorsen/sshrelay/internal/config"
	"github.com/halvorsen/sshrelay/internal/ratelimit"
	"github.com/halvorsen/sshrelay/internal/relay"
	"github.com/halvorsen/sshrelay/internal/sshdial"
	"github.com/halvorsen/sshrelay/internal/supervisor"
	"github.com/halvorsen/sshrelay/internal/target"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New(os.Stderr, "[sshrelay] ", log.Ltime|log.Ldate)

	targetsPath := filepath.Join(cfg.DataDir, "targets.json")
	dir := target.NewDirectory(targetsPath)
	dir.SetLogger(logger)
	if err := dir.Start(); err != nil {
		log.Fatalf("target directory: %v", err)
	}
	defer dir.Stop()

	var verifier authn.Verifier
	if cfg.AuthEnforced() {
		verifier = authn.NewJWTVerifier(cfg.JWTSecret)
	} else {
		verifier = authn.NewDisabledVerifier()
	}

	opts := relay.Options{
		Targets:      dir,
		Verifier:     verifier,
		Admission:    admission.New(cfg.AllowedHosts()),
		Dial:         sshdial.Dial,
		AuthEnforced: cfg.AuthEnforced(),
		Logger:       logger,
	}
	if cfg.RateLimitEnabled {
		opts.NewLimiter = func() relay.RateLimiter {
			return ratelimit.New(cfg.RateLimitBurst, cfg.RateLimitPerSec)
		}
	}

	sup := supervisor.New(opts)
	sup.SetLogger(logger)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.New(cors.Options{AllowedOrigins: cfg.CORSOrigins()}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ws/ssh", sup.ServeHTTP)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-sigCtx.Done()
	logger.Println("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Shutdown(drainCtx); err != nil {
		logger.Printf("supervisor drain: %v", err)
	}

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("http shutdown: %v", err)
	}
	logger.Println("stopped")
}
