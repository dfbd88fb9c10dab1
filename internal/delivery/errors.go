// Package delivery writes messages to local mailboxes and relays them to
// remote mail exchangers, and classifies the resulting errors.
package delivery

import (
	"context"
	"errors"
	"net"
	"regexp"
	"syscall"

	"github.com/busybox42/mailcore/internal/dnsresolver"
	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"
)

var (
	// ErrInvalidRecipient is returned for addresses that cannot name a mailbox
	ErrInvalidRecipient = errors.New("delivery: invalid recipient address")
	// ErrNoMailExchanger is returned when a domain publishes a null MX
	ErrNoMailExchanger = errors.New("delivery: domain does not accept mail")
	// ErrTLSRequired is returned when the remote host does not offer STARTTLS
	// and the sending domain requires it
	ErrTLSRequired = errors.New("delivery: STARTTLS required but not offered")
)

// Class tells the queue whether a failed attempt is worth retrying
type Class int

const (
	Temporary Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "temporary"
}

// ErrorType groups failures for logs and the recent error list
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeDNS        ErrorType = "dns"
	ErrorTypeSMTP       ErrorType = "smtp"
	ErrorTypeTLS        ErrorType = "tls"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypePolicy     ErrorType = "policy"
	ErrorTypeUnknown    ErrorType = "unknown"
)

var (
	replyCode    = regexp.MustCompile(`\b([45])\d{2}\b`)
	enhancedCode = regexp.MustCompile(`\b([45])\.\d{1,3}\.\d{1,3}\b`)
)

// Classify decides whether err is temporary or permanent. Unknown errors
// are temporary; the retry budget bounds them.
func Classify(err error) Class {
	if err == nil {
		return Temporary
	}
	if errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrNoMailExchanger) {
		return Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 500 && smtpErr.Code < 600 {
			return Permanent
		}
		if smtpErr.Code >= 400 {
			return Temporary
		}
	}

	if errors.Is(err, ErrTLSRequired) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return Temporary
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Temporary
	}
	var lookupErr *dnsresolver.LookupError
	if errors.As(err, &lookupErr) {
		return Temporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Temporary
	}

	msg := err.Error()
	if m := enhancedCode.FindStringSubmatch(msg); m != nil {
		return classFromDigit(m[1])
	}
	if m := replyCode.FindStringSubmatch(msg); m != nil {
		return classFromDigit(m[1])
	}
	return Temporary
}

func classFromDigit(d string) Class {
	if d == "5" {
		return Permanent
	}
	return Temporary
}

// TypeOf returns the failure group of err
func TypeOf(err error) ErrorType {
	var smtpErr *smtp.SMTPError
	var dnsErr *net.DNSError
	var lookupErr *dnsresolver.LookupError
	var netErr net.Error
	switch {
	case err == nil:
		return ErrorTypeUnknown
	case errors.Is(err, ErrTLSRequired):
		return ErrorTypeTLS
	case errors.Is(err, ErrInvalidRecipient), errors.Is(err, ErrNoMailExchanger):
		return ErrorTypePolicy
	case errors.As(err, &smtpErr):
		return ErrorTypeSMTP
	case errors.As(err, &dnsErr), errors.As(err, &lookupErr), errors.Is(err, dnsresolver.ErrNotFound):
		return ErrorTypeDNS
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnection
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, gobreaker.ErrOpenState):
		return ErrorTypeConnection
	}
	return ErrorTypeUnknown
}

// RecipientError ties a failure to one recipient
type RecipientError struct {
	Recipient string
	Err       error
}

func (e *RecipientError) Error() string {
	return e.Recipient + ": " + e.Err.Error()
}

func (e *RecipientError) Unwrap() error { return e.Err }
