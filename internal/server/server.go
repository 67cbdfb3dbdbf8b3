// Package server runs the edgeprov provisioning service on a Unix-domain
// socket and, optionally, a TCP address.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edgeprov/internal/api"
	"edgeprov/internal/auth"
	"edgeprov/internal/certengine"
	"edgeprov/internal/config"
	"edgeprov/internal/metrics"
)

// ErrNoListeners is returned by Run when neither a socket nor a TCP
// address is configured.
var ErrNoListeners = errors.New("no listener configured: set server.socket or server.addr")

// Server is the provisioning service. It owns the certificate engine and
// serves the API on every configured listener until shutdown.
type Server struct {
	cfg     *config.Config
	engine  *certengine.Engine
	auth    *auth.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Server from cfg. The engine is opened over cfg.StateDir;
// nothing is generated until Bootstrap or BootstrapAll is called.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	engine, err := certengine.New(cfg.StateDir, cfg.Domains)
	if err != nil {
		return nil, fmt.Errorf("initialize certificate engine: %w", err)
	}
	authStore, err := auth.NewStore(cfg.AuthFile())
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		engine: engine,
		auth:   authStore,
		logger: logger,
	}
	if cfg.Metrics.Enabled {
		m, err := metrics.New(s.domainStates)
		if err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
		s.metrics = m
	}
	return s, nil
}

// Engine returns the underlying certificate engine.
func (s *Server) Engine() *certengine.Engine {
	return s.engine
}

// Handler returns the complete HTTP handler served on every listener.
func (s *Server) Handler() http.Handler {
	return api.NewHandler(s.engine, s.logger, api.Options{
		Auth:         s.auth,
		Metrics:      s.metrics,
		MaxBodyBytes: s.cfg.Server.MaxBodyBytes,
		TrustProxy:   s.cfg.Server.TrustProxy,
	}).Routes()
}

// Run opens the configured listeners and serves until ctx is cancelled or
// SIGINT/SIGTERM arrives, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	for _, d := range s.engine.Domains() {
		state, _ := s.engine.State(d)
		s.logger.Info("domain", "name", d, "state", state.String())
	}
	if s.auth.IsEnabled() {
		s.logger.Info("basic auth enabled", "users", len(s.auth.Users()))
	}

	listeners, err := s.listen()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}
	return s.serve(ctx, srv, listeners)
}

// listen opens the socket and TCP listeners. On failure every listener
// already opened is closed.
func (s *Server) listen() ([]net.Listener, error) {
	var listeners []net.Listener
	fail := func(err error) ([]net.Listener, error) {
		for _, l := range listeners {
			l.Close()
		}
		return nil, err
	}

	if path := s.cfg.Server.Socket; path != "" {
		mode, err := s.cfg.Server.FileMode()
		if err != nil {
			return fail(err)
		}
		l, err := listenUnix(path, mode)
		if err != nil {
			return fail(err)
		}
		s.logger.Info("listening", "socket", path, "mode", fmt.Sprintf("%04o", mode))
		listeners = append(listeners, l)
	}
	if addr := s.cfg.Server.Addr; addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fail(fmt.Errorf("listen on %s: %w", addr, err))
		}
		s.logger.Info("listening", "addr", l.Addr().String())
		listeners = append(listeners, l)
	}
	if len(listeners) == 0 {
		return nil, ErrNoListeners
	}
	return listeners, nil
}

// listenUnix binds a Unix-domain socket at path. A stale socket left by a
// previous run is removed first; a live one is an error.
func listenUnix(path string, mode os.FileMode) (net.Listener, error) {
	fi, err := os.Lstat(path)
	switch {
	case err == nil:
		if fi.Mode()&fs.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			conn.Close()
			return nil, fmt.Errorf("socket %s is in use by another process", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("stat socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		l.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return l, nil
}

// serve runs srv on every listener, with graceful shutdown on context
// cancellation or OS signal.
func (s *Server) serve(ctx context.Context, srv *http.Server, listeners []net.Listener) error {
	// Merge the parent context with OS signals for shutdown.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		go func() {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", l.Addr(), err)
			}
		}()
	}

	var serveErr error
	select {
	case serveErr = <-errCh:
		s.logger.Error("listener failed", "error", serveErr)
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("shutdown error: %w", err))
	}
	if path := s.cfg.Server.Socket; path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("remove socket", "path", path, "error", err)
		}
	}
	if serveErr == nil {
		s.logger.Info("shutdown complete")
	}
	return serveErr
}

func (s *Server) domainStates() map[string]string {
	out := make(map[string]string)
	for _, d := range s.engine.Domains() {
		if state, err := s.engine.State(d); err == nil {
			out[d] = state.String()
		}
	}
	return out
}
