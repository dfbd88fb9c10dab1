package commands

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/busybox42/mailcore/internal/antivirus"
	"github.com/busybox42/mailcore/internal/api"
	"github.com/busybox42/mailcore/internal/cache"
	"github.com/busybox42/mailcore/internal/cluster"
	"github.com/busybox42/mailcore/internal/config"
	"github.com/busybox42/mailcore/internal/delivery"
	"github.com/busybox42/mailcore/internal/dkim"
	"github.com/busybox42/mailcore/internal/dmarc"
	"github.com/busybox42/mailcore/internal/dnsresolver"
	"github.com/busybox42/mailcore/internal/dsn"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/pipeline"
	"github.com/busybox42/mailcore/internal/policy"
	"github.com/busybox42/mailcore/internal/queue"
	"github.com/busybox42/mailcore/internal/ratelimit"
	"github.com/busybox42/mailcore/internal/routing"
	"github.com/busybox42/mailcore/internal/smtp"
	"github.com/busybox42/mailcore/internal/spf"
	"github.com/busybox42/mailcore/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/sync/errgroup"
)

func (a *app) newServerCmd() *cobra.Command {
	var hostname, listen string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the MTA until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hostname != "" {
				a.cfg.Server.Hostname = hostname
			}
			if listen != "" {
				a.cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, a.cfg, a.info.Version)
		},
	}
	cmd.Flags().StringVar(&hostname, "hostname", "", "Server hostname (overrides config)")
	cmd.Flags().StringVar(&listen, "listen", "", "SMTP listen address (overrides config)")
	return cmd
}

// services holds everything one server process runs
type services struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error

	store     *queue.SQLStore
	policy    policy.Store
	cached    *policy.CachedStore
	elector   *cluster.Elector
	manager   *queue.Manager
	pool      *worker.Pool
	reporter  *dmarc.Reporter
	listeners []*smtp.Server
	api       *api.Server
}

func runServer(ctx context.Context, cfg *config.Config, version string) error {
	s, err := buildServices(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer s.close()
	return s.run(ctx)
}

func buildServices(ctx context.Context, cfg *config.Config, version string) (_ *services, err error) {
	s := &services{
		cfg:    cfg,
		logger: slog.Default().With("component", "server"),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	m := metrics.Default()
	checks := map[string]api.HealthCheck{}

	s.store, err = queue.OpenSQLStore(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.onClose(s.store.Close)
	if err := s.store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	db := s.store.DB()
	checks["database"] = db.PingContext

	bodies, err := openBodyStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var (
		queueOpts = []queue.Option{queue.WithMetrics(m)}
		stats     *metrics.StatsStore
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.onClose(rdb.Close)
		queueOpts = append(queueOpts, queue.WithNotifier(queue.NewRedisNotifier(rdb)))
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if cfg.Metrics.StatsStore || cfg.Cluster.Enabled {
		vk, err := valkey.NewClient(valkey.ClientOption{
			InitAddress:  []string{cfg.Redis.Addr},
			Password:     cfg.Redis.Password,
			SelectDB:     cfg.Redis.DB,
			DisableCache: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		s.onClose(func() error { vk.Close(); return nil })

		if cfg.Metrics.StatsStore {
			stats = metrics.NewStatsStoreWithClient(vk)
		}
		if cfg.Cluster.Enabled {
			s.elector, err = cluster.NewElector(vk, cfg.ClusterConfig())
			if err != nil {
				return nil, err
			}
			queueOpts = append(queueOpts, queue.WithLeaderCheck(s.elector.IsLeader))
		}
	}

	c, err := cache.Factory(cfg.CacheConfig())
	if err != nil {
		return nil, err
	}
	if err := c.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect %s cache: %w", c.Type(), err)
	}
	s.onClose(c.Close)

	var resolver dnsresolver.Resolver = dnsresolver.New(cfg.ResolverConfig())
	if ttl := cfg.DNS.CacheTTL.Std(); ttl > 0 {
		resolver = dnsresolver.NewCachingResolver(resolver, c, ttl)
	}

	switch cfg.Policy.Source {
	case "database":
		s.cached = policy.NewCachedStore(policy.NewPostgresStore(db), c, cfg.Cache.PolicyTTL.Std())
		s.policy = s.cached
	default:
		fileStore, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return nil, err
		}
		s.policy = fileStore
	}

	limits := ratelimit.NewRegistry(time.Now)
	s.manager = queue.NewManager(s.store, bodies, limits, cfg.QueueConfig(), queueOpts...)

	decoder, err := dkim.NewKeyDecoder(cfg.DKIM.EncryptionKey)
	if err != nil {
		return nil, err
	}
	signer := dkim.NewSigner(s.policy, decoder, cfg.SignerConfig(), m)
	verifier := dkim.NewVerifier(resolver, c, cfg.DKIM.KeyCacheTTL.Std(), m)
	validator := dmarc.NewValidator(resolver, spf.NewValidator(resolver), verifier, cfg.DMARCConfig(), m)
	s.reporter = dmarc.NewReporter(cfg.DMARC.ReportOrg, cfg.DMARC.ReportEmail)

	router := routing.NewEngine(s.policy, cfg.Delivery.MaxHops)
	mailboxes, err := delivery.NewMailboxWriter(cfg.Delivery.MailboxRoot)
	if err != nil {
		return nil, err
	}

	workerDeps := worker.Dependencies{
		Queue:   s.manager,
		Domains: s.policy,
		Router:  router,
		Local:   mailboxes,
		Remote:  delivery.NewRelay(resolver, cfg.RelayConfig()),
		Signer:  signer,
		Reports: dsn.NewGenerator(cfg.Server.Hostname),
		Guards:  worker.NewGuards(cfg.GuardConfig()),
		Metrics: m,
	}
	pipelineDeps := pipeline.Dependencies{
		Queue:      s.manager,
		Domains:    s.policy,
		Router:     router,
		DMARC:      validator,
		Quarantine: mailboxes,
		Reporter:   s.reporter,
		Metrics:    m,
	}
	if cfg.Scanner.Enabled {
		scanner, err := antivirus.Factory(cfg.ScannerConfig())
		if err != nil {
			return nil, err
		}
		if err := scanner.Ping(ctx); err != nil {
			s.logger.Warn("Virus scanner is not reachable", "address", cfg.Scanner.Address, "error", err)
		}
		pipelineDeps.Scanner = scanner
		checks["scanner"] = scanner.Ping
	}
	apiDeps := api.Dependencies{
		Queue:   s.manager,
		Domains: s.policy,
		Limits:  limits,
		Checks:  checks,
	}
	if stats != nil {
		workerDeps.Stats = stats
		pipelineDeps.Stats = stats
		apiDeps.Stats = stats
	}
	if cfg.Metrics.Enabled {
		apiDeps.Metrics = m
	}

	s.pool, err = worker.NewPool(cfg.WorkerConfig(), workerDeps)
	if err != nil {
		return nil, err
	}
	processor, err := pipeline.NewProcessor(pipeline.Config{
		Hostname:       cfg.Server.Hostname,
		RejectInfected: cfg.Scanner.RejectInfected,
	}, pipelineDeps)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := loadTLS(cfg.Server.TLSCert, cfg.Server.TLSKey, m)
	if err != nil {
		return nil, err
	}
	for _, l := range []struct {
		addr       string
		submission bool
	}{
		{cfg.Server.Listen, false},
		{cfg.Server.ListenSubmission, true},
	} {
		if l.addr == "" {
			continue
		}
		srv, err := smtp.NewServer(smtp.Config{
			Hostname:        cfg.Server.Hostname,
			ListenAddr:      l.addr,
			Submission:      l.submission,
			MaxMessageBytes: cfg.Server.MaxMessageBytes,
			MaxRecipients:   cfg.Server.MaxRecipients,
			ReadTimeout:     cfg.Server.ReadTimeout.Std(),
			WriteTimeout:    cfg.Server.WriteTimeout.Std(),
			TLSConfig:       tlsConfig,
		}, processor)
		if err != nil {
			return nil, err
		}
		s.listeners = append(s.listeners, srv)
	}

	if cfg.API.Enabled {
		s.api, err = api.NewServer(cfg.APIConfig(version), apiDeps)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func openBodyStore(ctx context.Context, cfg *config.Config) (queue.BodyStore, error) {
	switch cfg.Queue.BodyStore {
	case "s3":
		return queue.NewS3BodyStore(ctx, cfg.S3Config())
	default:
		return queue.NewFileBodyStore(cfg.Queue.BodyDir)
	}
}

func loadTLS(certFile, keyFile string, m *metrics.Metrics) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	leaf, err := m.ObserveCertificate(&cert, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to parse TLS certificate: %w", err)
	}
	if time.Until(leaf.NotAfter) < 14*24*time.Hour {
		slog.Warn("TLS certificate expires soon", "file", certFile, "not_after", leaf.NotAfter.Format(time.RFC3339))
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (s *services) onClose(f func() error) {
	s.closers = append(s.closers, f)
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("Failed to close resource", "error", err)
		}
	}
	s.closers = nil
}

func (s *services) run(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.manager.Run(gctx) })
	if s.elector != nil {
		g.Go(func() error { return s.elector.Run(gctx) })
	}
	for _, srv := range s.listeners {
		g.Go(func() error { return srv.Run(gctx) })
	}
	if s.api != nil {
		g.Go(func() error { return s.api.Run(gctx) })
	}
	if s.cached != nil {
		g.Go(func() error {
			s.watchPolicy(gctx)
			return nil
		})
	}
	if s.cfg.DMARC.ReportDir != "" {
		g.Go(func() error {
			s.reportLoop(gctx)
			return nil
		})
	}

	s.logger.Info("mailcore started",
		"hostname", s.cfg.Server.Hostname,
		"listeners", len(s.listeners),
		"workers", s.cfg.Queue.Workers,
		"policy_source", s.cfg.Policy.Source)

	runErr := g.Wait()
	s.logger.Info("Shutting down")
	stopErr := s.pool.Stop(30 * time.Second)
	if s.cfg.DMARC.ReportDir != "" {
		s.writeReports(time.Now())
	}
	return errors.Join(runErr, stopErr)
}

// watchPolicy applies LISTEN/NOTIFY invalidations. When the listener fails
// the cache is dropped wholesale every TTL instead.
func (s *services) watchPolicy(ctx context.Context) {
	listener := policy.NewListener(s.cfg.Database.DSN)
	err := listener.Run(ctx, s.cached.Invalidate)
	if ctx.Err() != nil {
		return
	}
	s.logger.Warn("Policy listener stopped, falling back to periodic refresh", "error", err)
	s.cached.InvalidateAll()
	s.cached.Refresh(ctx, s.cfg.Cache.PolicyTTL.Std())
}

func (s *services) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DMARC.ReportInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.writeReports(now)
		}
	}
}

func (s *services) writeReports(end time.Time) {
	begin := end.Add(-s.cfg.DMARC.ReportInterval.Std())
	paths, err := s.reporter.WriteReports(s.cfg.DMARC.ReportDir, s.cfg.Server.Hostname, begin, end)
	if err != nil {
		s.logger.Error("Failed to write DMARC reports", "error", err)
	}
	if len(paths) > 0 {
		s.logger.Info("dmarc_reports_written", "count", len(paths), "dir", s.cfg.DMARC.ReportDir)
	}
}
