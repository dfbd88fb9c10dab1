// Package worker runs the delivery loop: claim due queue messages, route
// every recipient, deliver locally or over SMTP and report the outcome back
// to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/mailcore/internal/delivery"
	"github.com/busybox42/mailcore/internal/dkim"
	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/dsn"
	"github.com/busybox42/mailcore/internal/logging"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/queue"
	"github.com/busybox42/mailcore/internal/routing"
	"golang.org/x/sync/errgroup"
)

var (
	ErrStopTimeout    = errors.New("worker: stop timed out")
	ErrAlreadyStarted = errors.New("worker: pool already started")
)

// Config configures the worker pool
type Config struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	// DelayNotifyAfter sends a delayed-delivery report when a message
	// reaches this retry count. Zero disables delay reports.
	DelayNotifyAfter int
}

// DefaultConfig returns the pool defaults
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		BatchSize:    10,
		PollInterval: 5 * time.Second,
	}
}

// DomainLookup resolves the owning domain of a queued message
type DomainLookup interface {
	GetDomainByID(ctx context.Context, id string) (*domain.Domain, error)
}

// Router turns one recipient into delivery decisions
type Router interface {
	Route(ctx context.Context, msg *routing.Message, recipient string) ([]routing.Decision, error)
}

// LocalDeliverer stores mail for hosted mailboxes and the quarantine area
type LocalDeliverer interface {
	Deliver(ctx context.Context, id, address string, body []byte) (string, error)
	Quarantine(ctx context.Context, id, domainName, reason string, body []byte) (string, error)
}

// RemoteDeliverer performs one SMTP transaction to a destination domain
type RemoteDeliverer interface {
	Deliver(ctx context.Context, req delivery.RelayRequest) (*delivery.RelayResult, error)
}

// Signer adds a DKIM signature for the sending domain
type Signer interface {
	Sign(ctx context.Context, domainName string, message []byte) (*dkim.SignResult, error)
}

// StatsRecorder keeps the operator-facing delivery statistics
type StatsRecorder interface {
	Record(ctx context.Context, domainName, event string) error
	AddRecentError(ctx context.Context, e metrics.RecentError) error
}

// Dependencies are the collaborators of a Pool. Signer, Reports, Guards,
// Metrics and Stats are optional.
type Dependencies struct {
	Queue   *queue.Manager
	Domains DomainLookup
	Router  Router
	Local   LocalDeliverer
	Remote  RemoteDeliverer
	Signer  Signer
	Reports *dsn.Generator
	Guards  *Guards
	Metrics *metrics.Metrics
	Stats   StatsRecorder
}

// Pool is a fixed set of delivery workers
type Pool struct {
	config    Config
	deps      Dependencies
	logger    *slog.Logger
	lifecycle *logging.MessageLogger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewPool validates the dependencies and creates a stopped pool
func NewPool(config Config, deps Dependencies) (*Pool, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("worker: queue manager is required")
	case deps.Domains == nil:
		return nil, errors.New("worker: domain lookup is required")
	case deps.Router == nil:
		return nil, errors.New("worker: router is required")
	case deps.Local == nil:
		return nil, errors.New("worker: local deliverer is required")
	case deps.Remote == nil:
		return nil, errors.New("worker: remote deliverer is required")
	}

	def := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if deps.Reports == nil {
		deps.Reports = dsn.NewGenerator("localhost")
	}
	if deps.Guards == nil {
		deps.Guards = NewGuards(DefaultGuardConfig())
	}

	return &Pool{
		config:    config,
		deps:      deps,
		logger:    slog.Default().With("component", "worker-pool"),
		lifecycle: logging.NewMessageLogger(slog.Default()),
		now:       time.Now,
	}, nil
}

// Start launches the workers. They run until ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			return p.worker(gctx, workerID)
		})
	}

	done := make(chan struct{})
	go func() {
		err := g.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(done)
	}()

	p.cancel = cancel
	p.done = done
	p.logger.Info("Starting worker pool",
		"workers", p.config.Workers,
		"batch_size", p.config.BatchSize,
		"poll_interval", p.config.PollInterval.String())
	return nil
}

// Stop cancels the workers and waits up to timeout for their current
// batches to finish
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}

	p.logger.Info("Stopping worker pool")
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		p.logger.Info("Worker pool stopped")
		return p.err
	case <-timer.C:
		p.logger.Warn("Worker pool did not stop in time", "timeout", timeout.String())
		return ErrStopTimeout
	}
}

func (p *Pool) worker(ctx context.Context, workerID int) error {
	logger := p.logger.With("worker_id", workerID)
	logger.Debug("Worker started")
	defer logger.Debug("Worker stopped")

	for ctx.Err() == nil {
		msgs, err := p.deps.Queue.Claim(ctx, p.config.BatchSize)
		if err != nil && ctx.Err() == nil {
			logger.Error("Failed to claim messages", "error", err)
		}

		if len(msgs) > 0 {
			// A claimed batch is finished even when shutdown starts
			batchCtx := context.WithoutCancel(ctx)
			for _, msg := range msgs {
				p.Process(batchCtx, msg)
			}
			continue
		}

		p.idle(ctx, logger)
	}
	return nil
}

// idle waits for a fast-path wakeup or the poll interval
func (p *Pool) idle(ctx context.Context, logger *slog.Logger) {
	start := time.Now()
	_, err := p.deps.Queue.Notifier().Wait(ctx, p.config.PollInterval)
	if err == nil || ctx.Err() != nil {
		return
	}
	logger.Debug("Fast-path wait failed, polling", "error", err)

	remaining := p.config.PollInterval - time.Since(start)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// failure is one recipient that could not be delivered
type failure struct {
	recipient string
	original  string
	remoteMTA string
	err       error
	permanent bool
}

type outcome struct {
	delivered int
	methods   []string
	hosts     []string
	temporary []failure
	permanent []failure
}

func (o *outcome) ok(method string) {
	o.delivered++
	for _, m := range o.methods {
		if m == method {
			return
		}
	}
	o.methods = append(o.methods, method)
}

func (o *outcome) fail(f failure) {
	if f.permanent || delivery.Classify(f.err) == delivery.Permanent {
		f.permanent = true
		o.permanent = append(o.permanent, f)
		return
	}
	o.temporary = append(o.temporary, f)
}

type relayKey struct {
	domain string
	from   string
}

// Process delivers one claimed message and records the outcome in the
// queue. It never returns an error: every failure ends up as a retry, a
// terminal failure or a log line.
func (p *Pool) Process(ctx context.Context, msg *queue.Message) {
	logger := p.logger.With("message_id", msg.ID)
	owner := p.owner(ctx, msg, logger)
	out := &outcome{}

	body, err := p.deps.Queue.Body(ctx, msg)
	if err != nil {
		lost := errors.Is(err, queue.ErrNotFound)
		for _, rcpt := range msg.Recipients {
			out.fail(failure{recipient: rcpt, err: err, permanent: lost})
		}
		p.finish(ctx, msg, owner, nil, out, logger)
		return
	}

	parsed := routing.ParseMessage(msg.From, body)
	var local, quarantined []routing.Decision
	remote := make(map[relayKey][]routing.Decision)
	var order []relayKey

	for _, rcpt := range msg.Recipients {
		decisions, err := p.deps.Router.Route(ctx, parsed, rcpt)
		if err != nil {
			out.fail(failure{recipient: rcpt, err: fmt.Errorf("route %s: %w", rcpt, err)})
			continue
		}
		for _, d := range decisions {
			switch d.Action {
			case routing.ActionDeliverInternal:
				local = append(local, d)
			case routing.ActionQuarantine:
				quarantined = append(quarantined, d)
			case routing.ActionRelayExternal:
				key := relayKey{domain: domain.DomainOf(d.Recipient), from: d.From}
				if _, ok := remote[key]; !ok {
					order = append(order, key)
				}
				remote[key] = append(remote[key], d)
			default:
				out.fail(failure{
					recipient: d.Recipient,
					original:  d.OriginalRecipient,
					err:       errors.New(d.Reason),
					permanent: true,
				})
			}
		}
	}

	for _, d := range local {
		address := d.Mailbox
		if address == "" {
			address = d.Recipient
		}
		err := p.track("internal", func() error {
			_, err := p.deps.Local.Deliver(ctx, msg.ID, address, body)
			return err
		})
		if err != nil {
			out.fail(failure{recipient: d.Recipient, original: d.OriginalRecipient, err: err})
			continue
		}
		out.ok("internal")
	}

	for _, d := range quarantined {
		err := p.track("quarantine", func() error {
			_, err := p.deps.Local.Quarantine(ctx, msg.ID, domain.DomainOf(d.Recipient), d.Reason, body)
			return err
		})
		if err != nil {
			out.fail(failure{recipient: d.Recipient, original: d.OriginalRecipient, err: err})
			continue
		}
		logger.Info("message_quarantined",
			"recipient", d.Recipient,
			"reason", d.Reason)
		out.ok("quarantine")
	}

	for _, key := range order {
		p.relay(ctx, msg, owner, key, remote[key], body, out, logger)
	}

	p.finish(ctx, msg, owner, body, out, logger)
}

func (p *Pool) relay(ctx context.Context, msg *queue.Message, owner *domain.Domain, key relayKey, decisions []routing.Decision, body []byte, out *outcome, logger *slog.Logger) {
	payload := body
	if p.deps.Signer != nil {
		signDomain := domain.DomainOf(key.from)
		if signDomain == "" {
			signDomain = owner.Name
		}
		res, err := p.deps.Signer.Sign(ctx, signDomain, body)
		if err != nil {
			logger.Warn("DKIM signing failed, sending unsigned",
				"domain", signDomain,
				"error", err)
		}
		if res != nil {
			payload = res.Message
		}
	}

	req := delivery.RelayRequest{
		ID:         msg.ID,
		From:       key.from,
		Domain:     key.domain,
		Recipients: make([]string, 0, len(decisions)),
		Body:       payload,
		RequireTLS: owner.Policies.RequireTLS,
	}
	for _, d := range decisions {
		req.Recipients = append(req.Recipients, d.Recipient)
	}

	var result *delivery.RelayResult
	err := p.deps.Guards.Do(ctx, key.domain, func() error {
		return p.track("external", func() error {
			var err error
			result, err = p.deps.Remote.Deliver(ctx, req)
			return err
		})
	})
	if err != nil {
		logger.Warn("Relay failed",
			"destination", key.domain,
			"error_type", string(delivery.TypeOf(err)),
			"error", err)
		for _, d := range decisions {
			out.fail(failure{recipient: d.Recipient, original: d.OriginalRecipient, err: err})
		}
		return
	}

	if len(result.Accepted) > 0 {
		out.hosts = append(out.hosts, result.Host)
	}
	accepted := make(map[string]bool, len(result.Accepted))
	for _, rcpt := range result.Accepted {
		accepted[rcpt] = true
	}
	for _, d := range decisions {
		switch rerr, rejected := result.Rejected[d.Recipient]; {
		case rejected:
			out.fail(failure{recipient: d.Recipient, original: d.OriginalRecipient, remoteMTA: result.Host, err: rerr})
		case accepted[d.Recipient]:
			out.ok("external")
		default:
			out.fail(failure{
				recipient: d.Recipient,
				original:  d.OriginalRecipient,
				remoteMTA: result.Host,
				err:       fmt.Errorf("recipient %s was not attempted", d.Recipient),
			})
		}
	}
	logger.Info("message_relayed",
		"destination", key.domain,
		"host", result.Host,
		"tls", result.TLS,
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected))
}

// finish moves the message to its next queue state
func (p *Pool) finish(ctx context.Context, msg *queue.Message, owner *domain.Domain, body []byte, out *outcome, logger *slog.Logger) {
	p.recordErrors(ctx, msg, owner, out)
	event := logging.MessageContext{
		QueueID:        msg.ID,
		Domain:         owner.Name,
		From:           msg.From,
		To:             msg.Recipients,
		Size:           msg.Size,
		ReceptionTime:  msg.CreatedAt,
		DeliveryMethod: strings.Join(out.methods, ","),
		DeliveryHost:   strings.Join(out.hosts, ","),
		RetryCount:     msg.RetryCount,
	}

	switch {
	case len(out.temporary) == 0 && len(out.permanent) == 0:
		if err := p.deps.Queue.MarkSent(ctx, msg); err != nil {
			logger.Error("Failed to mark message sent", "error", err)
			return
		}
		p.count(ctx, owner, metrics.EventSent)
		p.lifecycle.LogDelivery(event)

	case len(out.temporary) > 0:
		if len(out.permanent) > 0 {
			p.report(ctx, msg, owner, body, out.permanent, false, logger)
		}
		msg.Recipients = envelopeRecipientsOf(out.temporary)
		event.To = msg.Recipients
		event.Error = out.temporary[0].err.Error()
		_, err := p.deps.Queue.ScheduleRetry(ctx, msg, out.temporary[0].err)
		switch {
		case errors.Is(err, queue.ErrRetriesExhausted):
			p.count(ctx, owner, metrics.EventFailed)
			p.lifecycle.LogBounce(event)
			p.report(ctx, msg, owner, body, out.temporary, false, logger)
		case err != nil:
			logger.Error("Failed to schedule retry", "error", err)
		default:
			if p.deps.Metrics != nil {
				p.deps.Metrics.Retries.WithLabelValues(owner.Name).Inc()
			}
			p.count(ctx, owner, metrics.EventDeferred)
			event.RetryCount = msg.RetryCount
			event.NextRetry = msg.NextRetryAt
			p.lifecycle.LogDeferral(event)
			if p.config.DelayNotifyAfter > 0 && msg.RetryCount == p.config.DelayNotifyAfter {
				p.report(ctx, msg, owner, body, out.temporary, true, logger)
			}
		}

	default:
		msg.Recipients = recipientsOf(out.permanent)
		if err := p.deps.Queue.MarkFailed(ctx, msg, out.permanent[0].err); err != nil {
			logger.Error("Failed to mark message failed", "error", err)
			return
		}
		p.count(ctx, owner, metrics.EventFailed)
		event.To = msg.Recipients
		event.Error = out.permanent[0].err.Error()
		p.lifecycle.LogBounce(event)
		p.report(ctx, msg, owner, body, out.permanent, false, logger)
	}
}

// report enqueues a failure or delay notification to the envelope sender
func (p *Pool) report(ctx context.Context, msg *queue.Message, owner *domain.Domain, body []byte, failures []failure, delayed bool, logger *slog.Logger) {
	if dsn.IsNullSender(msg.From) {
		logger.Debug("Not reporting to null sender")
		return
	}

	now := p.now().UTC()
	statuses := make([]dsn.RecipientStatus, 0, len(failures))
	for _, f := range failures {
		status := dsn.StatusFromError(f.err)
		if !delayed && f.permanent && !status.IsPermanent() {
			status = dsn.StatusPermanentFailure
		}
		statuses = append(statuses, dsn.RecipientStatus{
			FinalRecipient:    f.recipient,
			OriginalRecipient: f.original,
			Status:            status,
			RemoteMTA:         f.remoteMTA,
			DiagnosticCode:    dsn.DiagnosticCode(f.err),
			LastAttemptDate:   now,
		})
	}
	opts := dsn.Options{
		OriginalSender:    msg.From,
		OriginalMessageID: msg.ID,
		ArrivalDate:       msg.CreatedAt,
		Recipients:        statuses,
		Original:          body,
	}

	var raw []byte
	var err error
	if delayed {
		raw, err = p.deps.Reports.Delayed(opts)
	} else {
		raw, err = p.deps.Reports.Failed(opts)
	}
	if err != nil {
		logger.Error("Failed to build delivery report", "error", err)
		return
	}

	report, err := p.deps.Queue.Enqueue(ctx, queue.EnqueueRequest{
		Domain:     owner,
		From:       "",
		Recipients: []string{msg.From},
		Body:       raw,
		Bounce:     true,
	})
	if err != nil {
		logger.Error("Failed to enqueue delivery report",
			"sender", msg.From,
			"error", err)
		return
	}
	logger.Info("delivery_report_queued",
		"report_id", report.ID,
		"sender", msg.From,
		"delayed", delayed,
		"recipients", len(statuses))
}

// owner loads the owning domain. A missing domain still gets delivered
// with default policies.
func (p *Pool) owner(ctx context.Context, msg *queue.Message, logger *slog.Logger) *domain.Domain {
	d, err := p.deps.Domains.GetDomainByID(ctx, msg.DomainID)
	if err == nil && d != nil {
		return d
	}
	logger.Warn("Owning domain unavailable, using default policies",
		"domain_id", msg.DomainID,
		"error", err)
	return &domain.Domain{
		ID:       msg.DomainID,
		Name:     domain.DomainOf(msg.From),
		Status:   domain.StatusVerified,
		Policies: domain.DefaultPolicies(),
	}
}

func (p *Pool) track(kind string, f func() error) error {
	if p.deps.Metrics == nil {
		return f()
	}
	return p.deps.Metrics.TrackDelivery(kind, f)
}

func (p *Pool) count(ctx context.Context, owner *domain.Domain, event string) {
	if m := p.deps.Metrics; m != nil {
		switch event {
		case metrics.EventSent:
			m.MessagesSent.WithLabelValues(owner.Name).Inc()
		case metrics.EventFailed:
			m.MessagesFailed.WithLabelValues(owner.Name).Inc()
		}
	}
	if p.deps.Stats != nil {
		if err := p.deps.Stats.Record(ctx, owner.Name, event); err != nil {
			p.logger.Debug("Failed to record delivery stats", "event", event, "error", err)
		}
	}
}

func (p *Pool) recordErrors(ctx context.Context, msg *queue.Message, owner *domain.Domain, out *outcome) {
	if p.deps.Stats == nil {
		return
	}
	now := p.now().UTC()
	for _, group := range [][]failure{out.permanent, out.temporary} {
		for _, f := range group {
			err := p.deps.Stats.AddRecentError(ctx, metrics.RecentError{
				MessageID: msg.ID,
				Domain:    owner.Name,
				Recipient: f.recipient,
				Error:     f.err.Error(),
				Timestamp: now,
			})
			if err != nil {
				p.logger.Debug("Failed to record delivery error", "error", err)
				return
			}
		}
	}
}

// envelopeRecipientsOf returns the envelope addresses the failures were
// routed from, so a retry expands aliases and lists again
func envelopeRecipientsOf(failures []failure) []string {
	envelope := make([]failure, len(failures))
	for i, f := range failures {
		envelope[i] = f
		if f.original != "" {
			envelope[i].recipient = f.original
		}
	}
	return recipientsOf(envelope)
}

func recipientsOf(failures []failure) []string {
	out := make([]string, 0, len(failures))
	seen := make(map[string]bool, len(failures))
	for _, f := range failures {
		if seen[f.recipient] {
			continue
		}
		seen[f.recipient] = true
		out = append(out, f.recipient)
	}
	return out
}
