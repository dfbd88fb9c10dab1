// Package smtp connects go-smtp listeners on the MX and submission ports to
// the acceptance pipeline.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/busybox42/mailcore/internal/pipeline"
	gosmtp "github.com/emersion/go-smtp"
)

// Acceptor is satisfied by *pipeline.Processor
type Acceptor interface {
	Accept(ctx context.Context, in pipeline.Inbound) (*pipeline.AcceptResult, error)
}

// Config for one listener
type Config struct {
	Hostname   string
	ListenAddr string
	// Submission marks every session on this listener as submission from
	// hosted users instead of inbound MX traffic
	Submission      bool
	MaxMessageBytes int64
	MaxRecipients   int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// AcceptTimeout bounds the pipeline work done after DATA
	AcceptTimeout time.Duration
	TLSConfig     *tls.Config
}

// Server is one SMTP listener
type Server struct {
	config  Config
	backend *Backend
	smtp    *gosmtp.Server
	logger  *slog.Logger
}

// NewServer creates a listener that hands complete messages to acceptor
func NewServer(config Config, acceptor Acceptor) (*Server, error) {
	if acceptor == nil {
		return nil, errors.New("smtp: acceptor is required")
	}
	if config.Hostname == "" {
		config.Hostname = "localhost"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":25"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = time.Minute
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = time.Minute
	}
	if config.AcceptTimeout <= 0 {
		config.AcceptTimeout = 2 * time.Minute
	}

	name := "smtp"
	if config.Submission {
		name = "submission"
	}
	logger := slog.Default().With("component", name)
	backend := &Backend{
		acceptor:   acceptor,
		submission: config.Submission,
		timeout:    config.AcceptTimeout,
		logger:     logger,
		base:       context.Background(),
	}

	srv := gosmtp.NewServer(backend)
	srv.Addr = config.ListenAddr
	srv.Domain = config.Hostname
	srv.ReadTimeout = config.ReadTimeout
	srv.WriteTimeout = config.WriteTimeout
	srv.MaxMessageBytes = config.MaxMessageBytes
	srv.MaxRecipients = config.MaxRecipients
	srv.TLSConfig = config.TLSConfig

	return &Server{config: config, backend: backend, smtp: srv, logger: logger}, nil
}

// Run listens on the configured address until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("smtp listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. In-flight sessions get ten seconds
// to finish after ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.backend.base = ctx

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting SMTP listener",
			"addr", ln.Addr().String(),
			"submission", s.config.Submission,
			"starttls", s.config.TLSConfig != nil)
		errCh <- s.smtp.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("smtp server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.smtp.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("SMTP shutdown incomplete, closing connections", "error", err)
		_ = s.smtp.Close()
	}
	s.logger.Info("SMTP listener stopped")
	return nil
}
