package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/busybox42/mailcore/internal/logging"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("config validation error in field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

type validation struct {
	errs []error
	sv   *SecurityValidator
}

func (v *validation) add(field string, value interface{}, message string) {
	v.errs = append(v.errs, ValidationError{Field: field, Value: value, Message: message})
}

func (v *validation) check(field string, value interface{}, err error) {
	if err != nil {
		v.add(field, value, err.Error())
	}
}

func (v *validation) positive(field string, d Duration) {
	if d <= 0 {
		v.add(field, d, "must be a positive duration")
	}
}

func (v *validation) oneOf(field, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.add(field, value, "must be one of "+strings.Join(allowed, ", "))
}

// Validate checks every section and returns all problems joined with
// errors.Join, or nil. Secret values are never included in messages.
func (c *Config) Validate() error {
	v := &validation{sv: NewSecurityValidator()}

	c.validateServer(v)
	c.validateDatabase(v)
	c.validateQueue(v)
	c.validateDelivery(v)
	c.validateAuth(v)
	c.validateServices(v)

	return errors.Join(v.errs...)
}

func (c *Config) validateServer(v *validation) {
	v.check("server.hostname", c.Server.Hostname, v.sv.ValidateHostname(c.Server.Hostname, "server.hostname"))
	if c.Server.Listen != "" {
		v.check("server.listen", c.Server.Listen, v.sv.ValidateNetworkAddress(c.Server.Listen, "server.listen"))
	}
	if c.Server.ListenSubmission != "" {
		v.check("server.listen_submission", c.Server.ListenSubmission,
			v.sv.ValidateNetworkAddress(c.Server.ListenSubmission, "server.listen_submission"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		v.add("server.tls_cert", c.Server.TLSCert, "tls_cert and tls_key must be set together")
	}
	v.check("server.tls_cert", c.Server.TLSCert, v.sv.ValidatePath(c.Server.TLSCert, "server.tls_cert"))
	v.check("server.tls_key", c.Server.TLSKey, v.sv.ValidatePath(c.Server.TLSKey, "server.tls_key"))
	if c.Server.MaxMessageBytes < 0 {
		v.add("server.max_message_bytes", c.Server.MaxMessageBytes, "must not be negative")
	}
	if c.Server.MaxRecipients < 0 {
		v.add("server.max_recipients", c.Server.MaxRecipients, "must not be negative")
	}
	v.positive("server.read_timeout", c.Server.ReadTimeout)
	v.positive("server.write_timeout", c.Server.WriteTimeout)
}

func (c *Config) validateDatabase(v *validation) {
	v.oneOf("database.driver", c.Database.Driver, "postgres", "sqlite3")
	if c.Database.DSN == "" {
		v.add("database.dsn", nil, "dsn is required")
	}
	if c.Database.MaxOpenConns < 0 {
		v.add("database.max_open_conns", c.Database.MaxOpenConns, "must not be negative")
	}
	switch c.Policy.Source {
	case "database":
		if c.Database.Driver != "postgres" {
			v.add("policy.source", c.Policy.Source, "the database policy source needs the postgres driver")
		}
	case "file":
		if c.Policy.File == "" {
			v.add("policy.file", nil, "file is required for the file policy source")
		}
		v.check("policy.file", c.Policy.File, v.sv.ValidatePath(c.Policy.File, "policy.file"))
	default:
		v.oneOf("policy.source", c.Policy.Source, "database", "file")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		v.add("redis.addr", nil, "addr is required when redis is enabled")
	}
	if c.Redis.Enabled {
		v.check("redis.addr", c.Redis.Addr, v.sv.ValidateNetworkAddress(c.Redis.Addr, "redis.addr"))
	}
}

func (c *Config) validateQueue(v *validation) {
	q := c.Queue
	v.check("queue.workers", q.Workers, v.sv.ValidateNumericBounds(int64(q.Workers), "queue.workers", 1, int64(v.sv.config.MaxWorkers)))
	v.check("queue.batch_size", q.BatchSize, v.sv.ValidateNumericBounds(int64(q.BatchSize), "queue.batch_size", 1, int64(v.sv.config.MaxBatchSize)))
	v.positive("queue.poll_interval", q.PollInterval)
	v.positive("queue.retry_delay", q.RetryDelay)
	if q.MaxRetryDelay < q.RetryDelay {
		v.add("queue.max_retry_delay", q.MaxRetryDelay, "must not be shorter than retry_delay")
	}
	if q.MaxRetries < 0 {
		v.add("queue.max_retries", q.MaxRetries, "must not be negative")
	}
	if q.DelayNotifyAfter < 0 {
		v.add("queue.delay_notify_after", q.DelayNotifyAfter, "must not be negative")
	}
	v.positive("queue.stale_after", q.StaleAfter)
	v.positive("queue.recovery_interval", q.RecoveryInterval)
	v.positive("queue.cleanup_interval", q.CleanupInterval)
	v.positive("queue.retention", q.Retention)

	v.oneOf("queue.body_store", q.BodyStore, "file", "s3")
	switch q.BodyStore {
	case "file":
		if q.BodyDir == "" {
			v.add("queue.body_dir", nil, "body_dir is required for the file body store")
		}
		v.check("queue.body_dir", q.BodyDir, v.sv.ValidatePath(q.BodyDir, "queue.body_dir"))
	case "s3":
		if q.S3Bucket == "" {
			v.add("queue.s3_bucket", nil, "s3_bucket is required for the s3 body store")
		}
	}
}

func (c *Config) validateDelivery(v *validation) {
	d := c.Delivery
	if d.MailboxRoot == "" {
		v.add("delivery.mailbox_root", nil, "mailbox_root is required")
	}
	v.check("delivery.mailbox_root", d.MailboxRoot, v.sv.ValidatePath(d.MailboxRoot, "delivery.mailbox_root"))
	if d.MaxHops < 1 {
		v.add("delivery.max_hops", d.MaxHops, "must be at least 1")
	}
	v.check("delivery.relay_port", d.RelayPort, v.sv.ValidatePort(d.RelayPort, "delivery.relay_port"))
	v.positive("delivery.connect_timeout", d.ConnectTimeout)
	v.positive("delivery.command_timeout", d.CommandTimeout)
	v.oneOf("delivery.tls_min_version", d.TLSMinVersion, "1.2", "1.3")
	if d.PerDomainRate < 0 {
		v.add("delivery.per_domain_rate", d.PerDomainRate, "must not be negative")
	}
	if d.BreakerFailureRatio <= 0 || d.BreakerFailureRatio > 1 {
		v.add("delivery.breaker_failure_ratio", d.BreakerFailureRatio, "must be in (0, 1]")
	}
	v.positive("delivery.breaker_timeout", d.BreakerTimeout)
}

func (c *Config) validateAuth(v *validation) {
	v.oneOf("dkim.header_canonicalization", c.DKIM.HeaderCanonicalization, "simple", "relaxed")
	v.oneOf("dkim.body_canonicalization", c.DKIM.BodyCanonicalization, "simple", "relaxed")
	if c.DKIM.EncryptionKey != "" && len(c.DKIM.EncryptionKey) < 16 {
		v.add("dkim.encryption_key", nil, "must be at least 16 characters")
	}
	if c.DKIM.Selector != "" && !hostnameRegex.MatchString(c.DKIM.Selector) {
		v.add("dkim.selector", c.DKIM.Selector, "must be a valid DNS label")
	}
	v.oneOf("dmarc.org_domain_mode", c.DMARC.OrgDomainMode, "psl", "heuristic")
	v.positive("dmarc.timeout", c.DMARC.Timeout)
	if c.DMARC.ReportDir != "" {
		v.check("dmarc.report_dir", c.DMARC.ReportDir, v.sv.ValidatePath(c.DMARC.ReportDir, "dmarc.report_dir"))
		v.positive("dmarc.report_interval", c.DMARC.ReportInterval)
	}
	for i, server := range c.DNS.Servers {
		field := fmt.Sprintf("dns.servers[%d]", i)
		v.check(field, server, v.sv.ValidateNetworkAddress(server, field))
	}
	v.positive("dns.timeout", c.DNS.Timeout)
}

func (c *Config) validateServices(v *validation) {
	v.oneOf("cache.type", c.Cache.Type, "memory", "redis", "memcached")
	if c.Cache.Type != "memory" && c.Cache.Addr == "" {
		v.add("cache.addr", nil, "addr is required for networked caches")
	}
	if c.API.Enabled {
		v.check("api.listen", c.API.Listen, v.sv.ValidateNetworkAddress(c.API.Listen, "api.listen"))
		if c.API.RateLimit < 0 {
			v.add("api.rate_limit", c.API.RateLimit, "must not be negative")
		}
		for i, proxy := range c.API.TrustedProxies {
			if !validProxy(proxy) {
				v.add(fmt.Sprintf("api.trusted_proxies[%d]", i), proxy, "must be an IP address or CIDR")
			}
		}
	}
	if c.Cluster.Enabled {
		if !c.Redis.Enabled {
			v.add("cluster.enabled", true, "requires redis to be enabled")
		}
		v.positive("cluster.lease_ttl", c.Cluster.LeaseTTL)
	}
	if c.Scanner.Enabled {
		v.oneOf("scanner.type", c.Scanner.Type, "clamav")
		if c.Scanner.Address == "" {
			v.add("scanner.address", nil, "address is required when the scanner is enabled")
		}
		v.positive("scanner.timeout", c.Scanner.Timeout)
		if c.Scanner.MaxSize < 0 {
			v.add("scanner.max_size", c.Scanner.MaxSize, "must not be negative")
		}
	}
	if c.Metrics.StatsStore && !c.Redis.Enabled {
		v.add("metrics.stats_store", true, "requires redis to be enabled")
	}
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		v.add("logging.level", c.Logging.Level, err.Error())
	}
	v.oneOf("logging.format", c.Logging.Format, "json", "text")
}

func validProxy(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}
