package config

import (
	"github.com/busybox42/mailcore/internal/api"
	"github.com/busybox42/mailcore/internal/cache"
	"github.com/busybox42/mailcore/internal/antivirus"
	"github.com/busybox42/mailcore/internal/cluster"
	"github.com/busybox42/mailcore/internal/delivery"
	"github.com/busybox42/mailcore/internal/dkim"
	"github.com/busybox42/mailcore/internal/dmarc"
	"github.com/busybox42/mailcore/internal/dnsresolver"
	"github.com/busybox42/mailcore/internal/logging"
	"github.com/busybox42/mailcore/internal/queue"
	"github.com/busybox42/mailcore/internal/worker"
)

// The methods below translate file settings into component configs.

func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format, Output: c.Logging.Output}
}

func (c *Config) QueueConfig() queue.Config {
	q := queue.DefaultConfig()
	q.RetryDelay = c.Queue.RetryDelay.Std()
	q.MaxRetryDelay = c.Queue.MaxRetryDelay.Std()
	q.MaxRetries = c.Queue.MaxRetries
	q.StaleAfter = c.Queue.StaleAfter.Std()
	q.RecoveryInterval = c.Queue.RecoveryInterval.Std()
	q.CleanupInterval = c.Queue.CleanupInterval.Std()
	q.Retention = c.Queue.Retention.Std()
	return q
}

func (c *Config) S3Config() queue.S3Config {
	return queue.S3Config{
		Bucket:   c.Queue.S3Bucket,
		Prefix:   c.Queue.S3Prefix,
		Region:   c.Queue.S3Region,
		Endpoint: c.Queue.S3Endpoint,
	}
}

func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Workers:          c.Queue.Workers,
		BatchSize:        c.Queue.BatchSize,
		PollInterval:     c.Queue.PollInterval.Std(),
		DelayNotifyAfter: c.Queue.DelayNotifyAfter,
	}
}

func (c *Config) GuardConfig() worker.GuardConfig {
	d := c.Delivery
	return worker.GuardConfig{
		Rate:         d.PerDomainRate,
		Burst:        d.PerDomainBurst,
		MaxRequests:  d.BreakerMaxRequests,
		Interval:     d.BreakerInterval.Std(),
		Timeout:      d.BreakerTimeout.Std(),
		MinRequests:  d.BreakerMinRequests,
		FailureRatio: d.BreakerFailureRatio,
	}
}

func (c *Config) RelayConfig() delivery.RelayConfig {
	r := delivery.DefaultRelayConfig()
	r.Hostname = c.Server.Hostname
	r.Port = c.Delivery.RelayPort
	r.ConnectTimeout = c.Delivery.ConnectTimeout.Std()
	r.CommandTimeout = c.Delivery.CommandTimeout.Std()
	r.TLSMinVersion = c.Delivery.TLSMinVersion
	return r
}

func (c *Config) SignerConfig() dkim.SignerConfig {
	s := dkim.DefaultSignerConfig()
	s.HeaderCanonicalization = c.DKIM.HeaderCanonicalization
	s.BodyCanonicalization = c.DKIM.BodyCanonicalization
	s.Expiry = c.DKIM.Expiry.Std()
	return s
}

func (c *Config) ResolverConfig() dnsresolver.Config {
	return dnsresolver.Config{
		Servers: append([]string(nil), c.DNS.Servers...),
		Timeout: c.DNS.Timeout.Std(),
	}
}

func (c *Config) DMARCConfig() dmarc.Config {
	return dmarc.Config{OrgDomainMode: c.DMARC.OrgDomainMode, Timeout: c.DMARC.Timeout.Std()}
}

func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Type:     c.Cache.Type,
		Addr:     c.Cache.Addr,
		Password: c.Cache.Password,
		Prefix:   c.Cache.Prefix,
	}
}

// APIConfig builds the admin API settings. Rate limiting is on whenever a
// positive rate is configured.
func (c *Config) APIConfig(version string) api.Config {
	return api.Config{
		ListenAddr: c.API.Listen,
		Version:    version,
		RateLimit: api.RateLimitConfig{
			Enabled:           c.API.RateLimit > 0,
			RequestsPerSecond: c.API.RateLimit,
			Burst:             c.API.RateBurst,
			TrustedProxies:    append([]string(nil), c.API.TrustedProxies...),
		},
	}
}

// ClusterConfig builds the leader election settings. The node ID falls back
// to the server hostname.
func (c *Config) ClusterConfig() cluster.Config {
	nodeID := c.Cluster.NodeID
	if nodeID == "" {
		nodeID = c.Server.Hostname
	}
	return cluster.Config{
		NodeID: nodeID,
		Key:    c.Cache.Prefix + "leader",
		TTL:    c.Cluster.LeaseTTL.Std(),
	}
}

func (c *Config) ScannerConfig() antivirus.Config {
	return antivirus.Config{
		Type:    c.Scanner.Type,
		Address: c.Scanner.Address,
		Timeout: c.Scanner.Timeout.Std(),
		MaxSize: c.Scanner.MaxSize,
	}
}
