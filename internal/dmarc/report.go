package dmarc

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reporter accumulates check results per policy domain and renders RFC
// 7489 appendix C aggregate reports.
type Reporter struct {
	mu      sync.Mutex
	org     string
	email   string
	domains map[string]*reportBucket
}

type reportBucket struct {
	record *Record
	rows   map[rowKey]int
}

type rowKey struct {
	sourceIP     string
	disposition  string
	dkim         string
	spf          string
	headerFrom   string
	envelopeFrom string
}

// NewReporter creates a reporter identifying itself as org <email>
func NewReporter(org, email string) *Reporter {
	return &Reporter{
		org:     org,
		email:   email,
		domains: make(map[string]*reportBucket),
	}
}

// Add records one evaluated message. Results without a record are not
// reportable and are ignored.
func (r *Reporter) Add(res *CheckResult, sourceIP net.IP, envelopeFrom string) {
	if res == nil || res.Record == nil {
		return
	}
	policyDomain := res.RecordAt
	if policyDomain == "" {
		policyDomain = res.Domain
	}

	dkimResult := "fail"
	if res.DKIMAligned {
		dkimResult = "pass"
	}
	spfResult := "fail"
	if res.SPFAligned && res.SPFResult == "pass" {
		spfResult = "pass"
	}

	key := rowKey{
		sourceIP:     sourceIP.String(),
		disposition:  res.Disposition,
		dkim:         dkimResult,
		spf:          spfResult,
		headerFrom:   res.Domain,
		envelopeFrom: strings.ToLower(envelopeFrom),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.domains[policyDomain]
	if !ok {
		b = &reportBucket{rows: make(map[rowKey]int)}
		r.domains[policyDomain] = b
	}
	b.record = res.Record
	b.rows[key]++
}

// Domains lists the policy domains with pending report data
func (r *Reporter) Domains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.domains))
	for d := range r.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Flush renders the report for domain covering [begin, end) and resets its
// counters. It returns nil when no data is pending.
func (r *Reporter) Flush(domain string, begin, end time.Time) ([]byte, error) {
	r.mu.Lock()
	b, ok := r.domains[domain]
	delete(r.domains, domain)
	r.mu.Unlock()
	if !ok || len(b.rows) == 0 {
		return nil, nil
	}

	report := aggregateReport{
		Metadata: reportMetadata{
			OrgName:  r.org,
			Email:    r.email,
			ReportID: uuid.NewString(),
			DateRange: dateRange{
				Begin: begin.Unix(),
				End:   end.Unix(),
			},
		},
		Policy: publishedPolicy{
			Domain: domain,
			ADKIM:  string(b.record.ADKIM),
			ASPF:   string(b.record.ASPF),
			P:      string(b.record.Policy),
			SP:     string(b.record.SubdomainPolicy),
			Pct:    b.record.Percentage,
		},
	}

	keys := make([]rowKey, 0, len(b.rows))
	for k := range b.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sourceIP != keys[j].sourceIP {
			return keys[i].sourceIP < keys[j].sourceIP
		}
		return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
	})
	for _, k := range keys {
		report.Records = append(report.Records, reportRecord{
			Row: reportRow{
				SourceIP: k.sourceIP,
				Count:    b.rows[k],
				Evaluated: policyEvaluated{
					Disposition: k.disposition,
					DKIM:        k.dkim,
					SPF:         k.spf,
				},
			},
			Identifiers: identifiers{
				HeaderFrom:   k.headerFrom,
				EnvelopeFrom: k.envelopeFrom,
			},
		})
	}

	out, err := xml.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("dmarc: render aggregate report: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// WriteReports flushes every pending domain into dir, one file per domain
// named receiver!domain!begin!end.xml. It returns the paths written.
func (r *Reporter) WriteReports(dir, receiver string, begin, end time.Time) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("dmarc: create report dir: %w", err)
	}

	var (
		paths []string
		errs  []error
	)
	for _, domain := range r.Domains() {
		data, err := r.Flush(domain, begin, end)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if data == nil {
			continue
		}
		name := fmt.Sprintf("%s!%s!%d!%d.xml", receiver, domain, begin.Unix(), end.Unix())
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o640); err != nil {
			errs = append(errs, fmt.Errorf("dmarc: write report for %s: %w", domain, err))
			continue
		}
		paths = append(paths, path)
	}
	return paths, errors.Join(errs...)
}

type aggregateReport struct {
	XMLName  xml.Name        `xml:"feedback"`
	Metadata reportMetadata  `xml:"report_metadata"`
	Policy   publishedPolicy `xml:"policy_published"`
	Records  []reportRecord  `xml:"record"`
}

type reportMetadata struct {
	OrgName   string    `xml:"org_name"`
	Email     string    `xml:"email"`
	ReportID  string    `xml:"report_id"`
	DateRange dateRange `xml:"date_range"`
}

type dateRange struct {
	Begin int64 `xml:"begin"`
	End   int64 `xml:"end"`
}

type publishedPolicy struct {
	Domain string `xml:"domain"`
	ADKIM  string `xml:"adkim"`
	ASPF   string `xml:"aspf"`
	P      string `xml:"p"`
	SP     string `xml:"sp"`
	Pct    int    `xml:"pct"`
}

type reportRecord struct {
	Row         reportRow   `xml:"row"`
	Identifiers identifiers `xml:"identifiers"`
}

type reportRow struct {
	SourceIP  string          `xml:"source_ip"`
	Count     int             `xml:"count"`
	Evaluated policyEvaluated `xml:"policy_evaluated"`
}

type policyEvaluated struct {
	Disposition string `xml:"disposition"`
	DKIM        string `xml:"dkim"`
	SPF         string `xml:"spf"`
}

type identifiers struct {
	HeaderFrom   string `xml:"header_from"`
	EnvelopeFrom string `xml:"envelope_from,omitempty"`
}
