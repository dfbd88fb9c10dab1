// Package dsn builds delivery status notifications (RFC 3464) for failed
// and delayed messages.
package dsn

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/busybox42/mailcore/internal/delivery"
	"github.com/emersion/go-smtp"
)

// Action is the per-recipient action field
type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

// StatusCode is an RFC 3463 enhanced status code
type StatusCode struct {
	Class   int
	Subject int
	Detail  int
}

var (
	StatusPermanentFailure = StatusCode{5, 0, 0}
	StatusTemporaryFailure = StatusCode{4, 0, 0}
	StatusBadDestMailbox   = StatusCode{5, 1, 1}
	StatusBadDestSyntax    = StatusCode{5, 1, 3}
	StatusNoMailExchanger  = StatusCode{5, 1, 10}
	StatusSecurityPolicy   = StatusCode{5, 7, 1}
	StatusTLSUnavailable   = StatusCode{4, 7, 10}
	StatusNoAnswer         = StatusCode{4, 4, 1}
	StatusRoutingFailed    = StatusCode{4, 4, 4}
)

func (s StatusCode) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Class, s.Subject, s.Detail)
}

// IsPermanent reports a class 5 code
func (s StatusCode) IsPermanent() bool { return s.Class == 5 }

// IsTemporary reports a class 4 code
func (s StatusCode) IsTemporary() bool { return s.Class == 4 }

var enhancedPattern = regexp.MustCompile(`\b([245])\.(\d{1,3})\.(\d{1,3})\b`)

// ParseStatusCode extracts the first enhanced status code found in s
func ParseStatusCode(s string) (StatusCode, bool) {
	m := enhancedPattern.FindStringSubmatch(s)
	if m == nil {
		return StatusCode{}, false
	}
	class, _ := strconv.Atoi(m[1])
	subject, _ := strconv.Atoi(m[2])
	detail, _ := strconv.Atoi(m[3])
	return StatusCode{class, subject, detail}, true
}

// StatusFromError returns the enhanced status code carried by err, or a
// generic code for its delivery class
func StatusFromError(err error) StatusCode {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		ec := smtpErr.EnhancedCode
		if ec[0] == 4 || ec[0] == 5 {
			return StatusCode{ec[0], ec[1], ec[2]}
		}
		if smtpErr.Code >= 500 {
			return StatusPermanentFailure
		}
		if smtpErr.Code >= 400 {
			return StatusTemporaryFailure
		}
	}
	switch {
	case errors.Is(err, delivery.ErrInvalidRecipient):
		return StatusBadDestSyntax
	case errors.Is(err, delivery.ErrNoMailExchanger):
		return StatusNoMailExchanger
	case errors.Is(err, delivery.ErrTLSRequired):
		return StatusTLSUnavailable
	}
	if err != nil {
		if code, ok := ParseStatusCode(err.Error()); ok {
			return code
		}
	}
	if delivery.Classify(err) == delivery.Permanent {
		return StatusPermanentFailure
	}
	return StatusTemporaryFailure
}

// DiagnosticCode renders err as the text of a Diagnostic-Code field
func DiagnosticCode(err error) string {
	if err == nil {
		return ""
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		msg := strconv.Itoa(smtpErr.Code)
		if ec := smtpErr.EnhancedCode; ec[0] != 0 {
			msg += fmt.Sprintf(" %d.%d.%d", ec[0], ec[1], ec[2])
		}
		return singleLine(msg + " " + smtpErr.Message)
	}
	return singleLine(err.Error())
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// IsNullSender reports whether from is an empty return path or a mailer
// daemon, which must never receive a bounce
func IsNullSender(from string) bool {
	from = strings.TrimSpace(strings.Trim(from, "<>"))
	if from == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(from), "mailer-daemon@")
}
