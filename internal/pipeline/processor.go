// Package pipeline accepts a received message: it authenticates inbound
// mail with SPF, DKIM and DMARC, routes every recipient and queues the
// message once per owning domain.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"strings"

	"github.com/busybox42/mailcore/internal/antivirus"
	"github.com/busybox42/mailcore/internal/dmarc"
	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/logging"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/policy"
	"github.com/busybox42/mailcore/internal/queue"
	"github.com/busybox42/mailcore/internal/routing"
	"github.com/google/uuid"
)

var (
	ErrRejected      = errors.New("pipeline: rejected by DMARC policy")
	ErrNoRecipients  = errors.New("pipeline: no recipients")
	ErrUnknownSender = errors.New("pipeline: sender domain is not hosted here")
	ErrInfected      = errors.New("pipeline: message contains a virus")
)

// Reasons for recipients whose owning domain could not take the message
const (
	ReasonRateLimited = "4.7.0 domain sending limit exceeded"
	ReasonTooLarge    = "5.3.4 message exceeds domain size limit"
	ReasonNotQueued   = "4.3.0 message could not be queued"
)

// RejectError carries the DMARC result that caused a rejection
type RejectError struct {
	Result *dmarc.CheckResult
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%v: domain=%s policy=%s", ErrRejected, e.Result.Domain, e.Result.Policy)
}

func (e *RejectError) Unwrap() error { return ErrRejected }

// Inbound is one message as handed over by the SMTP listener
type Inbound struct {
	RemoteIP   net.IP
	Helo       string
	MailFrom   string
	Recipients []string
	Body       []byte
	// Submission is set for authenticated mail from hosted users
	Submission bool
}

// AcceptResult reports what happened to each recipient
type AcceptResult struct {
	QueueIDs []string
	// Rejected maps a refused recipient to the reason
	Rejected    map[string]string
	Quarantined []string
	DMARC       *dmarc.CheckResult
}

// Enqueuer stores accepted messages for delivery
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Message, error)
}

// Router turns one recipient into delivery decisions
type Router interface {
	Route(ctx context.Context, msg *routing.Message, recipient string) ([]routing.Decision, error)
}

// DMARCChecker is satisfied by *dmarc.Validator
type DMARCChecker interface {
	Check(ctx context.Context, fromDomain string, senderIP net.IP, mailFromDomain, helo string, message []byte) *dmarc.CheckResult
}

// Quarantiner holds messages that failed a quarantine policy
type Quarantiner interface {
	Quarantine(ctx context.Context, id, domainName, reason string, body []byte) (string, error)
}

// VirusScanner is satisfied by antivirus.Scanner
type VirusScanner interface {
	Scan(ctx context.Context, data []byte) (*antivirus.ScanResult, error)
}

// StatsRecorder counts received messages
type StatsRecorder interface {
	Record(ctx context.Context, domainName, event string) error
}

// Config for the processor
type Config struct {
	// Hostname is the authserv-id of Authentication-Results headers
	Hostname string
	// RejectInfected refuses infected messages instead of quarantining them
	RejectInfected bool
}

// Dependencies of a Processor. Scanner, Reporter, Metrics and Stats are
// optional.
type Dependencies struct {
	Queue      Enqueuer
	Domains    policy.Store
	Router     Router
	DMARC      DMARCChecker
	Quarantine Quarantiner
	Scanner    VirusScanner
	Reporter   *dmarc.Reporter
	Metrics    *metrics.Metrics
	Stats      StatsRecorder
}

// Processor is the acceptance pipeline
type Processor struct {
	config    Config
	deps      Dependencies
	logger    *slog.Logger
	lifecycle *logging.MessageLogger
}

// NewProcessor creates a processor
func NewProcessor(config Config, deps Dependencies) (*Processor, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("pipeline: queue is required")
	case deps.Domains == nil:
		return nil, errors.New("pipeline: domain store is required")
	case deps.Router == nil:
		return nil, errors.New("pipeline: router is required")
	case deps.DMARC == nil:
		return nil, errors.New("pipeline: DMARC checker is required")
	case deps.Quarantine == nil:
		return nil, errors.New("pipeline: quarantine is required")
	}
	if config.Hostname == "" {
		config.Hostname = "localhost"
	}
	return &Processor{
		config:    config,
		deps:      deps,
		logger:    slog.Default().With("component", "pipeline"),
		lifecycle: logging.NewMessageLogger(slog.Default()),
	}, nil
}

type ownerGroup struct {
	owner      *domain.Domain
	recipients []string
}

// Accept authenticates, routes and queues in. Recipients refused by routing
// are listed in the result; the others are queued. A DMARC reject returns
// a *RejectError and queues nothing.
func (p *Processor) Accept(ctx context.Context, in Inbound) (*AcceptResult, error) {
	if len(in.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	result := &AcceptResult{Rejected: make(map[string]string)}
	event := logging.MessageContext{
		From:       in.MailFrom,
		To:         in.Recipients,
		Size:       int64(len(in.Body)),
		ClientIP:   ipString(in.RemoteIP),
		Helo:       in.Helo,
		Submission: in.Submission,
	}

	body := in.Body
	var sender *domain.Domain
	var quarantine string

	if in.Submission {
		var err error
		sender, err = p.hostedDomain(ctx, domain.DomainOf(in.MailFrom))
		if err != nil {
			return nil, err
		}
		if sender == nil {
			event.Error = ErrUnknownSender.Error()
			p.lifecycle.LogRejection(event)
			return nil, fmt.Errorf("%w: %s", ErrUnknownSender, logging.Sanitize(in.MailFrom))
		}
	} else {
		res := p.authenticate(ctx, in)
		result.DMARC = res
		event.Domain = res.Domain
		event.DMARC = res.Result()

		if res.Disposition == dmarc.DispositionReject {
			p.observeRejected(res.Domain, "dmarc")
			event.Error = "dmarc policy reject"
			p.lifecycle.LogRejection(event)
			return result, &RejectError{Result: res}
		}
		if res.Disposition == dmarc.DispositionQuarantine {
			quarantine = fmt.Sprintf("dmarc=%s policy=%s header.from=%s", res.Result(), res.Policy, res.Domain)
		}
		body = prependHeader(body, "Authentication-Results", res.AuthenticationResults(p.config.Hostname))
	}

	if p.deps.Scanner != nil {
		scan, err := p.deps.Scanner.Scan(ctx, in.Body)
		if err != nil {
			p.observeScan("error")
			return result, fmt.Errorf("virus scan: %w", err)
		}
		switch {
		case scan.Skipped:
			p.observeScan("skipped")
		case scan.Clean:
			p.observeScan("clean")
		default:
			p.observeScan("infected")
		}
		if !scan.Clean {
			viruses := strings.Join(scan.Infections, ",")
			if p.config.RejectInfected {
				if sender != nil {
					event.Domain = sender.Name
				}
				p.observeRejected(event.Domain, "virus")
				event.Error = "virus found: " + viruses
				p.lifecycle.LogRejection(event)
				return result, fmt.Errorf("%w: %s", ErrInfected, viruses)
			}
			quarantine = "virus=" + viruses
		}
	}

	parsed := routing.ParseMessage(in.MailFrom, body)
	groups := make(map[string]*ownerGroup)
	var order []string

	for _, rcpt := range in.Recipients {
		rcpt = domain.NormalizeAddress(rcpt)
		owner := sender
		if owner == nil {
			d, err := p.hostedDomain(ctx, domain.DomainOf(rcpt))
			if err != nil {
				return result, err
			}
			if d == nil {
				result.Rejected[rcpt] = routing.ReasonRelayDenied
				continue
			}
			owner = d
		}

		decisions, err := p.deps.Router.Route(ctx, parsed, rcpt)
		if err != nil {
			return result, fmt.Errorf("route %s: %w", logging.Sanitize(rcpt), err)
		}
		if reason, refused := refusal(decisions); refused {
			result.Rejected[rcpt] = reason
			p.observeRejected(owner.Name, "recipient")
			continue
		}

		g, ok := groups[owner.ID]
		if !ok {
			g = &ownerGroup{owner: owner}
			groups[owner.ID] = g
			order = append(order, owner.ID)
		}
		g.recipients = append(g.recipients, rcpt)
	}

	if len(result.Rejected) > 0 {
		rejected := event
		rejected.To = make([]string, 0, len(result.Rejected))
		for rcpt := range result.Rejected {
			rejected.To = append(rejected.To, rcpt)
		}
		rejected.Error = "recipients refused by routing"
		p.lifecycle.LogRejection(rejected)
	}

	// Once any group is stored the message is accepted; a group that fails
	// after that only refuses its own recipients.
	var failed []groupFailure
	for _, id := range order {
		g := groups[id]
		if err := p.persist(ctx, g, in, body, quarantine, parsed, event, result); err != nil {
			failed = append(failed, groupFailure{group: g, err: err})
		}
	}
	if len(failed) == 0 {
		return result, nil
	}
	if len(result.QueueIDs) == 0 && len(result.Quarantined) == 0 {
		return result, failed[0].err
	}

	refused := event
	refused.To = nil
	for _, f := range failed {
		reason := persistRefusal(f.err)
		for _, rcpt := range f.group.recipients {
			result.Rejected[rcpt] = reason
		}
		refused.To = append(refused.To, f.group.recipients...)
		p.logger.Warn("Recipients refused after partial acceptance",
			"domain", f.group.owner.Name,
			"recipients", len(f.group.recipients),
			"error", f.err)
	}
	refused.Error = "owning domain refused the message"
	p.lifecycle.LogRejection(refused)
	return result, nil
}

type groupFailure struct {
	group *ownerGroup
	err   error
}

// persist quarantines or queues the copy of the message for one owning
// domain and records the outcome in result
func (p *Processor) persist(ctx context.Context, g *ownerGroup, in Inbound, body []byte, quarantine string, parsed *routing.Message, event logging.MessageContext, result *AcceptResult) error {
	if quarantine != "" {
		qid := uuid.NewString()
		if _, err := p.deps.Quarantine.Quarantine(ctx, qid, g.owner.Name, quarantine, body); err != nil {
			return fmt.Errorf("quarantine for %s: %w", g.owner.Name, err)
		}
		result.Quarantined = append(result.Quarantined, qid)
		p.logger.Warn("Message quarantined",
			"quarantine_id", qid,
			"domain", g.owner.Name,
			"reason", quarantine,
			"recipients", len(g.recipients))
		return nil
	}

	msg, err := p.deps.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Domain:     g.owner,
		From:       in.MailFrom,
		Recipients: g.recipients,
		Body:       body,
	})
	if err != nil {
		return fmt.Errorf("enqueue for %s: %w", g.owner.Name, err)
	}
	result.QueueIDs = append(result.QueueIDs, msg.ID)

	if p.deps.Stats != nil {
		if err := p.deps.Stats.Record(ctx, g.owner.Name, metrics.EventReceived); err != nil {
			p.logger.Debug("Failed to record delivery stats", "error", err)
		}
	}
	received := event
	received.QueueID = msg.ID
	received.Domain = g.owner.Name
	received.To = g.recipients
	received.Subject = parsed.Subject
	p.lifecycle.LogReception(received)
	return nil
}

// persistRefusal turns a queueing error into a per-recipient reason
func persistRefusal(err error) string {
	switch {
	case errors.Is(err, queue.ErrRateLimited):
		return ReasonRateLimited
	case errors.Is(err, queue.ErrMessageTooLarge):
		return ReasonTooLarge
	default:
		return ReasonNotQueued
	}
}

// authenticate runs SPF, DKIM and DMARC for inbound mail and feeds the
// aggregate reporter
func (p *Processor) authenticate(ctx context.Context, in Inbound) *dmarc.CheckResult {
	mailFromDomain := domain.DomainOf(in.MailFrom)
	fromDomain := headerFromDomain(in.Body)
	if fromDomain == "" {
		fromDomain = mailFromDomain
	}

	res := p.deps.DMARC.Check(ctx, fromDomain, in.RemoteIP, mailFromDomain, in.Helo, in.Body)
	if p.deps.Reporter != nil {
		p.deps.Reporter.Add(res, in.RemoteIP, mailFromDomain)
	}
	return res
}

// hostedDomain returns the active hosted domain called name, or nil
func (p *Processor) hostedDomain(ctx context.Context, name string) (*domain.Domain, error) {
	if name == "" {
		return nil, nil
	}
	d, err := p.deps.Domains.GetDomain(ctx, name)
	if errors.Is(err, policy.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup domain %s: %w", name, err)
	}
	if !d.IsActive() {
		return nil, nil
	}
	return d, nil
}

func (p *Processor) observeRejected(domainName, reason string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.MessagesRejected.WithLabelValues(domainName, reason).Inc()
	}
}

func (p *Processor) observeScan(result string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.VirusScans.WithLabelValues(result).Inc()
	}
}

// refusal reports whether every decision for a recipient is a reject
func refusal(decisions []routing.Decision) (string, bool) {
	if len(decisions) == 0 {
		return "", false
	}
	for _, d := range decisions {
		if d.Action != routing.ActionReject {
			return "", false
		}
	}
	return decisions[0].Reason, true
}

// headerFromDomain returns the domain of the RFC 5322 From header
func headerFromDomain(raw []byte) string {
	msg, err := mail.ReadMessage(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return ""
	}
	from := msg.Header.Get("From")
	if from == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return domain.DomainOf(addr.Address)
	}
	if list, err := mail.ParseAddressList(from); err == nil && len(list) > 0 {
		return domain.DomainOf(list[0].Address)
	}
	return ""
}

func prependHeader(body []byte, name, value string) []byte {
	header := name + ": " + value + "\r\n"
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	return append(out, body...)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
