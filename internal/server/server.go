// Package server owns the listener lifecycle: bind, optional TLS wrap,
// serve, and bounded drain on shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ferrygo/ferry/internal/config"
)

// State models the process lifecycle.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BindError is fatal at startup: the address is taken or not permitted.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// Server wraps one http.Server around the configured listener.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	log     zerolog.Logger
	state   atomic.Int32
	httpSrv *http.Server

	// ConnState hooks, optional
	OnConnOpen  func()
	OnConnClose func()
}

func New(cfg *config.Config, h http.Handler, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, handler: h, log: log}
}

func (s *Server) State() State { return State(s.state.Load()) }

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug().Stringer("state", st).Msg("lifecycle")
}

// Run binds, serves until ctx is cancelled, then drains within the
// configured shutdown timeout. Startup errors (bind, TLS material) are
// returned; per-connection errors never surface here.
func (s *Server) Run(ctx context.Context) error {
	s.setState(StateStarting)

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return &BindError{Addr: s.cfg.Listen, Err: err}
	}

	if s.cfg.TLS != nil {
		tlsLn, err := wrapTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tlsLn
	}

	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ConnState: func(_ net.Conn, cs http.ConnState) {
			switch cs {
			case http.StateNew:
				if s.OnConnOpen != nil {
					s.OnConnOpen()
				}
			case http.StateClosed, http.StateHijacked:
				if s.OnConnClose != nil {
					s.OnConnClose()
				}
			}
		},
	}

	s.setState(StateListening)
	s.log.Info().Str("addr", s.cfg.Listen).Bool("tls", s.cfg.TLS != nil).Msg("listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.setState(StateStopped)
			return fmt.Errorf("serve: %w", err)
		}
		s.setState(StateStopped)
		return nil

	case <-ctx.Done():
		s.setState(StateDraining)
		s.log.Info().Dur("timeout", s.cfg.ShutdownTimeout).Msg("draining")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			// drain deadline hit: force-close what is left
			s.log.Warn().Err(err).Msg("drain timeout, closing remaining connections")
			_ = s.httpSrv.Close()
		}
		<-errCh // Serve has returned ErrServerClosed by now
		s.setState(StateStopped)
		return nil
	}
}

// wrapTLS loads the certificate pair once; bad material fails startup,
// never an individual connection.
func wrapTLS(ln net.Listener, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls keypair: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}}), nil
}
