package commands

import (
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/dkim"
	"github.com/busybox42/mailcore/internal/dmarc"
	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/policy"
	"github.com/busybox42/mailcore/internal/spf"
	"github.com/spf13/cobra"
)

func (a *app) newDNSCmd() *cobra.Command {
	dnsCmd := &cobra.Command{
		Use:   "dns",
		Short: "Generate DNS records for hosted domains",
	}
	dnsCmd.AddCommand(
		a.newDKIMKeygenCmd(),
		a.newDKIMRotationCmd(),
		newDMARCRecordCmd(),
		newSPFRecordCmd(),
	)
	return dnsCmd
}

func (a *app) newDKIMKeygenCmd() *cobra.Command {
	var (
		domainName string
		selector   string
		algorithm  string
		bits       int
	)
	cmd := &cobra.Command{
		Use:   "dkim-keygen",
		Short: "Generate a DKIM key pair and its TXT record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			domainName = strings.ToLower(strings.TrimSpace(domainName))
			if domainName == "" {
				return errors.New("--domain is required")
			}
			if selector == "" {
				selector = a.cfg.DKIM.Selector
			}
			if selector == "" {
				selector = "mail"
			}

			pair, err := dkim.GenerateKey(algorithm, bits)
			if err != nil {
				return err
			}
			decoder, err := dkim.NewKeyDecoder(a.cfg.DKIM.EncryptionKey)
			if err != nil {
				return err
			}
			stored, sealed, err := storedPrivateKey(decoder, pair.PrivateKeyPEM)
			if err != nil {
				return err
			}

			writeKeygenOutput(cmd.OutOrStdout(), domainName, selector, pair, stored)
			if !sealed {
				fmt.Fprintln(cmd.ErrOrStderr(), "Warning: dkim.encryption_key is not set, the private key is stored unencrypted")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domainName, "domain", "", "Domain the key signs for")
	cmd.Flags().StringVar(&selector, "selector", "", "Selector (default dkim.selector or \"mail\")")
	cmd.Flags().StringVar(&algorithm, "algorithm", domain.AlgorithmRSASHA256, "rsa-sha256 or ed25519-sha256")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")
	return cmd
}

// storedPrivateKey returns the form written to the policy store: sealed
// with the configured key when there is one, base64 DER otherwise
func storedPrivateKey(decoder *dkim.KeyDecoder, pemKey []byte) (string, bool, error) {
	sealed, err := decoder.Encrypt(pemKey)
	if err == nil {
		return sealed, true, nil
	}
	if !errors.Is(err, dkim.ErrNoEncryptionKey) {
		return "", false, err
	}
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return "", false, errors.New("generated key is not PEM encoded")
	}
	return base64.StdEncoding.EncodeToString(block.Bytes), false, nil
}

func writeKeygenOutput(w io.Writer, domainName, selector string, pair *dkim.KeyPair, stored string) {
	fmt.Fprintf(w, "; DNS record for %s (%s, %d bits)\n", domainName, pair.Algorithm, pair.KeySize)
	fmt.Fprintf(w, "%s. IN TXT %q\n\n", dkim.RecordName(selector, domainName), dkim.DNSRecord(pair.Algorithm, pair.PublicKey))
	fmt.Fprintln(w, "# policy file entry")
	fmt.Fprintf(w, "- name: %s\n", domainName)
	fmt.Fprintln(w, "  dkim_keys:")
	fmt.Fprintf(w, "    - selector: %s\n", selector)
	fmt.Fprintf(w, "      algorithm: %s\n", pair.Algorithm)
	fmt.Fprintf(w, "      public_key: %s\n", pair.PublicKey)
	fmt.Fprintf(w, "      private_key: %s\n", stored)
	fmt.Fprintf(w, "      created_at: %s\n", time.Now().UTC().Format(time.RFC3339))
}

func (a *app) newDKIMRotationCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "dkim-rotation",
		Short: "List DKIM keys in the policy file that are due for rotation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Policy.Source != "file" {
				return fmt.Errorf("dkim-rotation reads the policy file; policy.source is %q", a.cfg.Policy.Source)
			}
			store, err := policy.LoadFile(a.cfg.Policy.File)
			if err != nil {
				return err
			}
			return writeRotation(cmd.OutOrStdout(), store.DKIMKeys(), maxAge, time.Now())
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 365*24*time.Hour, "Rotate keys older than this")
	return cmd
}

func writeRotation(w io.Writer, keys map[string][]*domain.DKIMKey, maxAge time.Duration, now time.Time) error {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	due := 0
	for _, name := range names {
		for _, k := range dkim.RotationCandidates(keys[name], maxAge, now) {
			due++
			created := "unknown"
			if !k.CreatedAt.IsZero() {
				created = k.CreatedAt.Format("2006-01-02")
			}
			fmt.Fprintf(w, "%s\t%s\tcreated %s", name, k.Selector, created)
			if k.ExpiresAt != nil {
				fmt.Fprintf(w, "\texpires %s", k.ExpiresAt.Format("2006-01-02"))
			}
			fmt.Fprintln(w)
		}
	}
	if due == 0 {
		fmt.Fprintln(w, "No keys are due for rotation")
	}
	return nil
}

func newDMARCRecordCmd() *cobra.Command {
	var (
		domainName string
		p, sp      string
		rua        []string
		pct        int
	)
	cmd := &cobra.Command{
		Use:   "dmarc-record",
		Short: "Print a DMARC TXT record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if domainName == "" {
				return errors.New("--domain is required")
			}
			policyValue, err := parseDMARCPolicy(p)
			if err != nil {
				return fmt.Errorf("--policy: %w", err)
			}
			var subdomain dmarc.Policy
			if sp != "" {
				if subdomain, err = parseDMARCPolicy(sp); err != nil {
					return fmt.Errorf("--subdomain-policy: %w", err)
				}
			}
			if pct < 0 || pct > 100 {
				return errors.New("--pct must be between 0 and 100")
			}
			for i, addr := range rua {
				if !strings.HasPrefix(addr, "mailto:") {
					rua[i] = "mailto:" + addr
				}
			}
			record := dmarc.GenerateRecord(policyValue, subdomain, rua, pct)
			fmt.Fprintf(cmd.OutOrStdout(), "_dmarc.%s. IN TXT %q\n", strings.ToLower(domainName), record)
			return nil
		},
	}
	cmd.Flags().StringVar(&domainName, "domain", "", "Domain to publish the record for")
	cmd.Flags().StringVar(&p, "policy", "none", "none, quarantine or reject")
	cmd.Flags().StringVar(&sp, "subdomain-policy", "", "Policy for subdomains (default same as --policy)")
	cmd.Flags().StringSliceVar(&rua, "rua", nil, "Aggregate report addresses")
	cmd.Flags().IntVar(&pct, "pct", 100, "Percentage of failing mail the policy applies to")
	return cmd
}

func parseDMARCPolicy(s string) (dmarc.Policy, error) {
	switch p := dmarc.Policy(strings.ToLower(s)); p {
	case dmarc.PolicyNone, dmarc.PolicyQuarantine, dmarc.PolicyReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown policy %q", s)
	}
}

func newSPFRecordCmd() *cobra.Command {
	var (
		domainName string
		ip4s, ip6s []string
		includes   []string
		all        string
	)
	cmd := &cobra.Command{
		Use:   "spf-record",
		Short: "Print an SPF TXT record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if domainName == "" {
				return errors.New("--domain is required")
			}
			record := spf.GenerateRecord(ip4s, ip6s, includes, all)
			fmt.Fprintf(cmd.OutOrStdout(), "%s. IN TXT %q\n", strings.ToLower(domainName), record)
			return nil
		},
	}
	cmd.Flags().StringVar(&domainName, "domain", "", "Domain to publish the record for")
	cmd.Flags().StringSliceVar(&ip4s, "ip4", nil, "IPv4 addresses or networks allowed to send")
	cmd.Flags().StringSliceVar(&ip6s, "ip6", nil, "IPv6 addresses or networks allowed to send")
	cmd.Flags().StringSliceVar(&includes, "include", nil, "Domains whose SPF policy is included")
	cmd.Flags().StringVar(&all, "all", "~all", "Default result: -all, ~all or ?all")
	return cmd
}
