package dsn

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxOriginalSize caps how much of the original message is returned
const DefaultMaxOriginalSize = 50 * 1024

// RecipientStatus is the per-recipient part of a report
type RecipientStatus struct {
	FinalRecipient    string
	OriginalRecipient string
	Action            Action
	Status            StatusCode
	RemoteMTA         string
	DiagnosticCode    string
	LastAttemptDate   time.Time
	WillRetryUntil    *time.Time
}

// Options describes the message being reported on
type Options struct {
	OriginalSender    string
	OriginalMessageID string
	EnvelopeID        string
	ArrivalDate       time.Time
	Recipients        []RecipientStatus
	// Original is the raw original message. Only its header is returned
	// unless IncludeFullMessage is set and it fits MaxOriginalSize.
	Original           []byte
	IncludeFullMessage bool
	MaxOriginalSize    int
}

// Generator renders DSN messages from the reporting MTA hostname
type Generator struct {
	hostname string
	now      func() time.Time
}

// NewGenerator creates a generator for hostname
func NewGenerator(hostname string) *Generator {
	return &Generator{hostname: hostname, now: time.Now}
}

// Failed reports a permanent failure for every recipient in opts
func (g *Generator) Failed(opts Options) ([]byte, error) {
	return g.generate(opts, ActionFailed)
}

// Delayed reports that delivery is still being retried
func (g *Generator) Delayed(opts Options) ([]byte, error) {
	return g.generate(opts, ActionDelayed)
}

var reportTemplate = template.Must(template.New("dsn").Parse(
	`From: Mail Delivery System <MAILER-DAEMON@{{.Hostname}}>
To: <{{.OriginalSender}}>
Subject: {{.Subject}}
Date: {{.Date}}
Message-ID: <{{.MessageID}}@{{.Hostname}}>
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
	boundary="{{.Boundary}}"
Auto-Submitted: auto-replied
{{- if .OriginalMessageID}}
X-Original-Message-ID: {{.OriginalMessageID}}
{{- end}}

This is a MIME-encapsulated message.

--{{.Boundary}}
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: 7bit

This is the mail system at host {{.Hostname}}.

{{if eq .Action "failed" -}}
I'm sorry to have to inform you that your message could not
be delivered to one or more recipients.

For further assistance, please send mail to postmaster@{{.Hostname}}.
{{- else -}}
Your message has not yet been delivered to the following recipients
due to a temporary error. Delivery will continue to be attempted.
{{- end}}

                   The mail system
{{range .Recipients}}
<{{.Address}}>: {{.DiagnosticCode}}
{{- end}}

--{{.Boundary}}
Content-Type: message/delivery-status

Reporting-MTA: dns; {{.Hostname}}
{{- if .EnvelopeID}}
Original-Envelope-ID: {{.EnvelopeID}}
{{- end}}
Arrival-Date: {{.ArrivalDate}}
{{range .Recipients}}
Final-Recipient: rfc822; {{.Address}}
{{- if .Original}}
Original-Recipient: rfc822; {{.Original}}
{{- end}}
Action: {{.Action}}
Status: {{.Status}}
{{- if .RemoteMTA}}
Remote-MTA: dns; {{.RemoteMTA}}
{{- end}}
{{- if .DiagnosticCode}}
Diagnostic-Code: smtp; {{.DiagnosticCode}}
{{- end}}
{{- if .LastAttempt}}
Last-Attempt-Date: {{.LastAttempt}}
{{- end}}
{{- if .WillRetryUntil}}
Will-Retry-Until: {{.WillRetryUntil}}
{{- end}}
{{end}}
--{{.Boundary}}
Content-Type: {{.OriginalContentType}}
Content-Disposition: inline

{{.OriginalContent}}
--{{.Boundary}}--
`))

type reportData struct {
	Hostname            string
	OriginalSender      string
	Subject             string
	Date                string
	MessageID           string
	Boundary            string
	OriginalMessageID   string
	Action              string
	EnvelopeID          string
	ArrivalDate         string
	Recipients          []recipientData
	OriginalContentType string
	OriginalContent     string
}

type recipientData struct {
	Address        string
	Original       string
	Action         string
	Status         string
	RemoteMTA      string
	DiagnosticCode string
	LastAttempt    string
	WillRetryUntil string
}

func (g *Generator) generate(opts Options, action Action) ([]byte, error) {
	if len(opts.Recipients) == 0 {
		return nil, fmt.Errorf("dsn: no recipients to report")
	}
	now := g.now()

	subject := "Undelivered Mail Returned to Sender"
	if action == ActionDelayed {
		subject = "Delayed Mail (still being retried)"
	}
	arrival := opts.ArrivalDate
	if arrival.IsZero() {
		arrival = now
	}

	recipients := make([]recipientData, 0, len(opts.Recipients))
	for _, r := range opts.Recipients {
		status := r.Status
		if status == (StatusCode{}) {
			status = StatusPermanentFailure
			if action == ActionDelayed {
				status = StatusTemporaryFailure
			}
		}
		rd := recipientData{
			Address:        r.FinalRecipient,
			Action:         string(action),
			Status:         status.String(),
			RemoteMTA:      r.RemoteMTA,
			DiagnosticCode: singleLine(r.DiagnosticCode),
		}
		if r.OriginalRecipient != "" && !strings.EqualFold(r.OriginalRecipient, r.FinalRecipient) {
			rd.Original = r.OriginalRecipient
		}
		if !r.LastAttemptDate.IsZero() {
			rd.LastAttempt = r.LastAttemptDate.Format(time.RFC1123Z)
		}
		if r.WillRetryUntil != nil {
			rd.WillRetryUntil = r.WillRetryUntil.Format(time.RFC1123Z)
		}
		recipients = append(recipients, rd)
	}

	maxSize := opts.MaxOriginalSize
	if maxSize <= 0 {
		maxSize = DefaultMaxOriginalSize
	}
	contentType := "text/rfc822-headers"
	content := HeaderSection(opts.Original)
	switch {
	case opts.IncludeFullMessage && len(opts.Original) > 0 && len(opts.Original) <= maxSize:
		contentType = "message/rfc822"
		content = string(opts.Original)
	case content == "":
		contentType = "text/plain"
		content = "(original message headers not available)"
	}

	id := uuid.NewString()
	data := reportData{
		Hostname:            g.hostname,
		OriginalSender:      opts.OriginalSender,
		Subject:             subject,
		Date:                now.Format(time.RFC1123Z),
		MessageID:           "dsn-" + id,
		Boundary:            "=_dsn_" + strings.ReplaceAll(id, "-", ""),
		OriginalMessageID:   opts.OriginalMessageID,
		Action:              string(action),
		EnvelopeID:          opts.EnvelopeID,
		ArrivalDate:         arrival.Format(time.RFC1123Z),
		Recipients:          recipients,
		OriginalContentType: contentType,
		OriginalContent:     content,
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render DSN template: %w", err)
	}
	return toCRLF(buf.Bytes()), nil
}

// HeaderSection returns the header block of a raw message without the
// separating blank line
func HeaderSection(raw []byte) string {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return string(raw[:idx])
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return string(raw[:idx])
	}
	return ""
}

func toCRLF(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}
