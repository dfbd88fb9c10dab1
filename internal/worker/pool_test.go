package worker

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/busybox42/mailcore/internal/delivery"
	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/dsn"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/policy"
	"github.com/busybox42/mailcore/internal/queue"
	"github.com/busybox42/mailcore/internal/routing"
	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBody = "From: bob@example.com\r\nTo: carol@remote.example\r\nSubject: status update\r\n\r\nAll good.\r\n"

type fakeRemote struct {
	mu       sync.Mutex
	requests []delivery.RelayRequest
	respond  func(req delivery.RelayRequest) (*delivery.RelayResult, error)
}

func (f *fakeRemote) Deliver(_ context.Context, req delivery.RelayRequest) (*delivery.RelayResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return acceptAll(req), nil
}

func (f *fakeRemote) calls() []delivery.RelayRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.RelayRequest(nil), f.requests...)
}

func acceptAll(req delivery.RelayRequest) *delivery.RelayResult {
	return &delivery.RelayResult{
		Host:     "mx." + req.Domain,
		Accepted: append([]string(nil), req.Recipients...),
		Rejected: map[string]error{},
	}
}

type fakeStats struct {
	mu     sync.Mutex
	events []string
	errors []metrics.RecentError
}

func (s *fakeStats) Record(_ context.Context, domainName, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, domainName+":"+event)
	return nil
}

func (s *fakeStats) AddRecentError(_ context.Context, e metrics.RecentError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
	return nil
}

type fixture struct {
	pool     *Pool
	queue    *queue.Manager
	policies *policy.MemoryStore
	remote   *fakeRemote
	stats    *fakeStats
	metrics  *metrics.Metrics
	mailRoot string
	domain   *domain.Domain
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	policies := policy.NewMemoryStore()
	dom := &domain.Domain{ID: "dom-1", Name: "example.com", Status: domain.StatusVerified, Policies: domain.DefaultPolicies()}
	policies.AddDomain(dom)
	policies.AddMailbox(&domain.Mailbox{ID: "mb-1", DomainID: "dom-1", LocalPart: "alice", Address: "alice@example.com", Active: true})

	bodies, err := queue.NewFileBodyStore(t.TempDir())
	require.NoError(t, err)
	m := metrics.NewRegistry()
	mgr := queue.NewManager(queue.NewMemoryStore(), bodies, nil, queue.DefaultConfig(), queue.WithMetrics(m))

	mailRoot := t.TempDir()
	mailboxes, err := delivery.NewMailboxWriter(mailRoot)
	require.NoError(t, err)

	f := &fixture{
		queue:    mgr,
		policies: policies,
		remote:   &fakeRemote{},
		stats:    &fakeStats{},
		metrics:  m,
		mailRoot: mailRoot,
		domain:   dom,
	}
	f.pool, err = NewPool(config, Dependencies{
		Queue:   mgr,
		Domains: policies,
		Router:  routing.NewEngine(policies, 0),
		Local:   mailboxes,
		Remote:  f.remote,
		Reports: dsn.NewGenerator("mta.example.com"),
		Guards:  NewGuards(GuardConfig{}),
		Metrics: m,
		Stats:   f.stats,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) enqueue(t *testing.T, from string, rcpts ...string) *queue.Message {
	t.Helper()
	msg, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		Domain:     f.domain,
		From:       from,
		Recipients: rcpts,
		Body:       []byte(testBody),
	})
	require.NoError(t, err)
	return msg
}

// claim returns the single due message, the way a worker would see it
func (f *fixture) claim(t *testing.T) *queue.Message {
	t.Helper()
	msgs, err := f.queue.Claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func (f *fixture) get(t *testing.T, id string) *queue.Message {
	t.Helper()
	msg, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	return stats[queue.StatusPending]
}

func TestNewPoolRequiresDependencies(t *testing.T) {
	_, err := NewPool(Config{}, Dependencies{})
	assert.Error(t, err)
}

func TestProcessDeliversLocalAndRemote(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.enqueue(t, "bob@example.com", "alice@example.com", "carol@remote.example")

	f.pool.Process(context.Background(), f.claim(t))

	stored := f.get(t, msg.ID)
	assert.Equal(t, queue.StatusSent, stored.Status)
	assert.NotNil(t, stored.SentAt)

	data, err := os.ReadFile(filepath.Join(f.mailRoot, "example.com", "alice", "new", msg.ID+".eml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Delivered-To: alice@example.com\r\n")

	calls := f.remote.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "bob@example.com", calls[0].From)
	assert.Equal(t, "remote.example", calls[0].Domain)
	assert.Equal(t, []string{"carol@remote.example"}, calls[0].Recipients)
	assert.False(t, calls[0].RequireTLS)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesSent.WithLabelValues("example.com")))
	assert.Equal(t, []string{"example.com:sent"}, f.stats.events)
	assert.Empty(t, f.stats.errors)
}

func TestProcessPassesRequireTLS(t *testing.T) {
	f := newFixture(t, Config{})
	f.domain.Policies.RequireTLS = true
	f.enqueue(t, "bob@example.com", "carol@remote.example")

	f.pool.Process(context.Background(), f.claim(t))

	calls := f.remote.calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].RequireTLS)
}

func TestProcessTemporaryFailureRetriesFailedRecipients(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.respond = func(req delivery.RelayRequest) (*delivery.RelayResult, error) {
		return &delivery.RelayResult{
			Host:     "mx.remote.example",
			Accepted: []string{"dave@remote.example"},
			Rejected: map[string]error{
				"carol@remote.example": &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 1}, Message: "mailbox busy"},
			},
		}, nil
	}
	msg := f.enqueue(t, "bob@example.com", "carol@remote.example", "dave@remote.example")

	f.pool.Process(context.Background(), f.claim(t))

	stored := f.get(t, msg.ID)
	assert.Equal(t, queue.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, []string{"carol@remote.example"}, stored.Recipients)
	assert.Contains(t, stored.LastError, "mailbox busy")
	assert.True(t, stored.NextRetryAt.After(time.Now()))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Retries.WithLabelValues("example.com")))
	assert.Equal(t, []string{"example.com:deferred"}, f.stats.events)
	require.Len(t, f.stats.errors, 1)
	assert.Equal(t, "carol@remote.example", f.stats.errors[0].Recipient)
}

func TestProcessTemporaryFailureKeepsEnvelopeRecipient(t *testing.T) {
	f := newFixture(t, Config{})
	f.policies.AddAlias(&domain.Alias{ID: "a1", DomainID: "dom-1", Source: "help@example.com", Target: "carol@remote.example", Active: true})
	f.remote.respond = func(req delivery.RelayRequest) (*delivery.RelayResult, error) {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	msg := f.enqueue(t, "bob@example.com", "help@example.com")

	f.pool.Process(context.Background(), f.claim(t))

	calls := f.remote.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"carol@remote.example"}, calls[0].Recipients)

	stored := f.get(t, msg.ID)
	assert.Equal(t, queue.StatusPending, stored.Status)
	assert.Equal(t, []string{"help@example.com"}, stored.Recipients, "the retry routes the alias again")
}

func TestProcessPermanentFailureBounces(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.respond = func(req delivery.RelayRequest) (*delivery.RelayResult, error) {
		return nil, &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	msg := f.enqueue(t, "bob@example.com", "carol@remote.example")

	f.pool.Process(context.Background(), f.claim(t))

	stored := f.get(t, msg.ID)
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "no such user")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesFailed.WithLabelValues("example.com")))

	bounce := f.claim(t)
	assert.Equal(t, "", bounce.From)
	assert.Equal(t, []string{"bob@example.com"}, bounce.Recipients)
	body, err := f.queue.Body(context.Background(), bounce)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Final-Recipient: rfc822; carol@remote.example")
	assert.Contains(t, string(body), "Status: 5.1.1")
	assert.Contains(t, string(body), "Diagnostic-Code: smtp; 550 5.1.1 no such user")
	assert.Contains(t, string(body), "Subject: status update")
}

func TestProcessNullSenderIsNotBounced(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.respond = func(req delivery.RelayRequest) (*delivery.RelayResult, error) {
		return nil, &smtp.SMTPError{Code: 554, Message: "rejected"}
	}
	msg := f.enqueue(t, "", "carol@remote.example")

	f.pool.Process(context.Background(), f.claim(t))

	assert.Equal(t, queue.StatusFailed, f.get(t, msg.ID).Status)
	assert.Zero(t, f.pending(t))
}

func TestProcessUnknownLocalUserIsPermanent(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.enqueue(t, "bob@example.com", "ghost@example.com", "alice@example.com")

	f.pool.Process(context.Background(), f.claim(t))

	stored := f.get(t, msg.ID)
	assert.Equal(t, queue.StatusFailed, stored.Status)
	assert.Equal(t, []string{"ghost@example.com"}, stored.Recipients)
	assert.FileExists(t, filepath.Join(f.mailRoot, "example.com", "alice", "new", msg.ID+".eml"))

	bounce := f.claim(t)
	body, err := f.queue.Body(context.Background(), bounce)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Status: 5.1.1")
}

func TestProcessMixedOutcomeBouncesPermanentAndRetriesTemporary(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.respond = func(req delivery.RelayRequest) (*delivery.RelayResult, error) {
		return nil, errors.New("421 4.3.2 service shutting down")
	}
	msg := f.enqueue(t, "bob@example.com", "ghost@example.com", "carol@remote.example")

	f.pool.Process(context.Background(), f.claim(t))

	stored := f.get(t, msg.ID)
	assert.Equal(t, queue.StatusPending, stored.Status)
	assert.Equal(t, []string{"carol@remote.example"}, stored.Recipients)

	// Only the bounce for ghost@ is due now
	bounce := f.claim(t)
	body, err := f.queue.Body(context.Background(), bounce)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ghost@example.com")
	assert.NotContains(t, string(body), "Final-Recipient: rfc822; carol@remote.example")
}

func TestProcessRetriesExhaustedBounces(t *testing.T) {
	f := newFixture(t, Config{})
	f.remote.respond = func(req delivery.RelayRequest) (*delivery.RelayResult, error) {
		return nil, &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try later"}
	}
	msg := f.enqueue(t, "bob@example.com", "carol@remote.example")
	claimed := f.claim(t)
	claimed.RetryCount = claimed.MaxRetries

	f.pool.Process(context.Background(), claimed)

	assert.Equal(t, queue.StatusFailed, f.get(t, msg.ID).Status)
	assert.Equal(t, []string{"example.com:failed"}, f.stats.events)

	bounce := f.claim(t)
	body, err := f.queue.Body(context.Background(), bounce)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Action: failed")
	assert.Contains(t, string(body), "Status: 4.3.0")
}

func TestProcessDelayNotification(t *testing.T) {
	f := newFixture(t, Config{DelayNotifyAfter: 1})
	f.remote.respond = func(req delivery.RelayRequest) (*delivery.RelayResult, error) {
		return nil, &smtp.SMTPError{Code: 451, Message: "greylisted"}
	}
	msg := f.enqueue(t, "bob@example.com", "carol@remote.example")

	f.pool.Process(context.Background(), f.claim(t))

	assert.Equal(t, queue.StatusPending, f.get(t, msg.ID).Status)
	report := f.claim(t)
	body, err := f.queue.Body(context.Background(), report)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Subject: Delayed Mail (still being retried)")
	assert.Contains(t, string(body), "Action: delayed")
}

func TestProcessQuarantine(t *testing.T) {
	f := newFixture(t, Config{})
	f.policies.AddRoutingRule(&domain.RoutingRule{
		ID:         "rule-1",
		DomainID:   "dom-1",
		Priority:   1,
		Active:     true,
		Conditions: domain.RuleConditions{SubjectPattern: "status*"},
		Actions:    domain.RuleActions{Type: domain.ActionQuarantine, QuarantineReason: "suspicious subject"},
	})
	msg := f.enqueue(t, "mallory@remote.example", "alice@example.com")

	f.pool.Process(context.Background(), f.claim(t))

	assert.Equal(t, queue.StatusSent, f.get(t, msg.ID).Status)
	data, err := os.ReadFile(filepath.Join(f.mailRoot, delivery.QuarantineDir, "example.com", msg.ID+".eml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "X-Quarantine-Reason: suspicious subject\r\n")
	assert.NoFileExists(t, filepath.Join(f.mailRoot, "example.com", "alice", "new", msg.ID+".eml"))
}

func TestProcessLostBodyFails(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.enqueue(t, "bob@example.com", "carol@remote.example")
	claimed := f.claim(t)
	claimed.BodyRef = "missing/ref.eml"

	f.pool.Process(context.Background(), claimed)

	assert.Equal(t, queue.StatusFailed, f.get(t, msg.ID).Status)
	assert.Empty(t, f.remote.calls())

	bounce := f.claim(t)
	body, err := f.queue.Body(context.Background(), bounce)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Status: 5.0.0")
}

func TestProcessOpenBreakerDefers(t *testing.T) {
	f := newFixture(t, Config{})
	f.pool.deps.Guards = NewGuards(GuardConfig{MinRequests: 1, FailureRatio: 0.5, Timeout: time.Hour})
	f.remote.respond = func(req delivery.RelayRequest) (*delivery.RelayResult, error) {
		return nil, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	}

	first := f.enqueue(t, "bob@example.com", "carol@remote.example")
	f.pool.Process(context.Background(), f.claim(t))
	assert.Equal(t, queue.StatusPending, f.get(t, first.ID).Status)

	second := f.enqueue(t, "bob@example.com", "dave@remote.example")
	f.pool.Process(context.Background(), f.claim(t))

	stored := f.get(t, second.ID)
	assert.Equal(t, queue.StatusPending, stored.Status)
	assert.Contains(t, stored.LastError, "suspended")
	assert.Len(t, f.remote.calls(), 1, "open breaker skips the relay")
}

func TestPoolStartStop(t *testing.T) {
	f := newFixture(t, Config{Workers: 2, PollInterval: 10 * time.Millisecond})
	require.NoError(t, f.pool.Start(context.Background()))
	assert.ErrorIs(t, f.pool.Start(context.Background()), ErrAlreadyStarted)

	msg := f.enqueue(t, "bob@example.com", "carol@remote.example")
	require.Eventually(t, func() bool {
		stored, err := f.queue.Get(context.Background(), msg.ID)
		return err == nil && stored.Status == queue.StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoError(t, f.pool.Stop(time.Second))
}

func TestPoolStopTimeout(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PollInterval: 10 * time.Millisecond})
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	f.remote.respond = func(req delivery.RelayRequest) (*delivery.RelayResult, error) {
		once.Do(func() { close(started) })
		<-release
		return acceptAll(req), nil
	}
	msg := f.enqueue(t, "bob@example.com", "carol@remote.example")

	require.NoError(t, f.pool.Start(context.Background()))
	<-started

	err := f.pool.Stop(50 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrStopTimeout))

	close(release)
	require.Eventually(t, func() bool {
		stored, err := f.queue.Get(context.Background(), msg.ID)
		return err == nil && stored.Status == queue.StatusSent
	}, 5*time.Second, 10*time.Millisecond, "the claimed batch finishes after shutdown starts")
	assert.NoError(t, f.pool.Stop(time.Second))
}

func TestStopWithoutStart(t *testing.T) {
	f := newFixture(t, Config{})
	assert.NoError(t, f.pool.Stop(time.Millisecond))
}
