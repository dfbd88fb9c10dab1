package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/logging"
	"github.com/busybox42/mailcore/internal/pipeline"
	"github.com/busybox42/mailcore/internal/queue"
	gosmtp "github.com/emersion/go-smtp"
)

// Backend implements gosmtp.Backend on top of an Acceptor
type Backend struct {
	acceptor   Acceptor
	submission bool
	timeout    time.Duration
	logger     *slog.Logger
	base       context.Context
}

// NewSession starts a session for one connection
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	s := &session{backend: b}
	if c != nil {
		s.helo = c.Hostname()
		if nc := c.Conn(); nc != nil {
			if addr, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
				s.remoteIP = addr.IP
			}
		}
	}
	return s, nil
}

type session struct {
	backend    *Backend
	remoteIP   net.IP
	helo       string
	from       string
	recipients []string
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.backend.submission && from == "" {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "Null sender not allowed on submission",
		}
	}
	s.from = from
	s.recipients = nil
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if local, d := domain.SplitAddress(to); local == "" || d == "" {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "Bad recipient address syntax",
		}
	}
	s.recipients = append(s.recipients, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.backend.base, s.backend.timeout)
	defer cancel()

	result, err := s.backend.acceptor.Accept(ctx, pipeline.Inbound{
		RemoteIP:   s.remoteIP,
		Helo:       s.helo,
		MailFrom:   s.from,
		Recipients: s.recipients,
		Body:       body,
		Submission: s.backend.submission,
	})
	if err != nil {
		return s.reply(err)
	}

	if len(result.QueueIDs) == 0 && len(result.Quarantined) == 0 {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "No valid recipients: " + summarize(result.Rejected),
		}
	}
	if len(result.Rejected) > 0 {
		// DATA has a single reply, so partial refusals are only logged
		s.backend.logger.Warn("Recipients refused after DATA",
			"from", logging.Sanitize(s.from),
			"refused", len(result.Rejected),
			"queued", len(result.QueueIDs))
	}
	return nil
}

// reply maps a pipeline error onto an SMTP reply
func (s *session) reply(err error) error {
	var smtpErr *gosmtp.SMTPError
	switch {
	case errors.As(err, &smtpErr):
		return smtpErr
	case errors.Is(err, pipeline.ErrRejected):
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "Message rejected due to DMARC policy",
		}
	case errors.Is(err, pipeline.ErrInfected):
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "Message rejected: virus found",
		}
	case errors.Is(err, pipeline.ErrUnknownSender):
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "Sender domain is not hosted here",
		}
	case errors.Is(err, pipeline.ErrNoRecipients), errors.Is(err, queue.ErrNoRecipients):
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	case errors.Is(err, queue.ErrMessageTooLarge):
		return &gosmtp.SMTPError{
			Code:         552,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "Message size exceeds maximum allowed",
		}
	case errors.Is(err, queue.ErrRateLimited):
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 1},
			Message:      "Sending rate exceeded, try again later",
		}
	default:
		s.backend.logger.Error("Message processing failed",
			"from", logging.Sanitize(s.from),
			"recipients", len(s.recipients),
			"error", err)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "Message processing failed",
		}
	}
}

func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

func (s *session) Logout() error { return nil }

// summarize renders refusal reasons in a stable order
func summarize(rejected map[string]string) string {
	if len(rejected) == 0 {
		return "none"
	}
	rcpts := make([]string, 0, len(rejected))
	for rcpt := range rejected {
		rcpts = append(rcpts, rcpt)
	}
	sort.Strings(rcpts)
	parts := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		parts = append(parts, logging.Sanitize(rcpt)+" ("+rejected[rcpt]+")")
	}
	return strings.Join(parts, ", ")
}
