package dmarc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/busybox42/mailcore/internal/dkim"
	"github.com/busybox42/mailcore/internal/dnsresolver"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/spf"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSPF struct {
	result spf.Result
	domain string
}

func (f *fakeSPF) Check(_ context.Context, _ net.IP, mailFrom, helo string) *spf.CheckResult {
	d := f.domain
	if d == "" {
		d = mailFrom
		if d == "" {
			d = helo
		}
	}
	return &spf.CheckResult{Result: f.result, Domain: d}
}

type fakeDKIM struct {
	results []dkim.VerificationResult
	err     error
}

func (f *fakeDKIM) Verify(context.Context, []byte) ([]dkim.VerificationResult, error) {
	return f.results, f.err
}

func TestParseRecord(t *testing.T) {
	// end-to-end scenario 2
	r, err := ParseRecord("v=DMARC1; p=reject; pct=50")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, r.Policy)
	assert.Equal(t, PolicyReject, r.SubdomainPolicy)
	assert.Equal(t, 50, r.Percentage)
	assert.Equal(t, AlignmentRelaxed, r.ADKIM)
	assert.Equal(t, AlignmentRelaxed, r.ASPF)
	assert.Equal(t, "afrf", r.ReportFormat)
	assert.Equal(t, 86400, r.ReportInterval)
	assert.Equal(t, "0", r.FailureOptions)

	r, err = ParseRecord("v=DMARC1;p=quarantine;sp=none;adkim=s;aspf=s;pct=150;" +
		"rua=mailto:agg@example.com!10m, mailto:agg2@example.net;ruf=mailto:f@example.com;ri=3600;fo=1")
	require.NoError(t, err)
	assert.Equal(t, PolicyQuarantine, r.Policy)
	assert.Equal(t, PolicyNone, r.SubdomainPolicy)
	assert.Equal(t, AlignmentStrict, r.ADKIM)
	assert.Equal(t, AlignmentStrict, r.ASPF)
	assert.Equal(t, 100, r.Percentage)
	assert.Equal(t, []string{"mailto:agg@example.com", "mailto:agg2@example.net"}, r.ReportAggregate)
	assert.Equal(t, []string{"mailto:f@example.com"}, r.ReportForensic)
	assert.Equal(t, 3600, r.ReportInterval)
	assert.Equal(t, "1", r.FailureOptions)

	r, err = ParseRecord("v=DMARC1; p=none; pct=0")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Percentage)
}

func TestParseRecordInvalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"p=reject",
		"v=DMARC1",
		"v=DMARC1; sp=reject",
		"v=DMARC2; p=reject",
		"v=dmarc1; p=reject",
		"v=DMARC1; p=bounce",
	} {
		_, err := ParseRecord(raw)
		assert.ErrorIs(t, err, ErrInvalidRecord, raw)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"v=DMARC1; p=none",
		"v=DMARC1; p=reject; pct=50",
		"v=DMARC1; p=quarantine; sp=reject; adkim=s; aspf=r; rua=mailto:a@example.com",
		"v=DMARC1;p=reject;ruf=mailto:x@example.com!1m;rf=afrf;ri=600;fo=d",
	} {
		r, err := ParseRecord(raw)
		require.NoError(t, err, raw)

		again, err := ParseRecord(r.String())
		require.NoError(t, err, r.String())
		assert.Equal(t, r, again, raw)
		assert.True(t, strings.HasPrefix(r.String(), "v=DMARC1; p="+string(r.Policy)))
	}
}

func TestGenerateRecord(t *testing.T) {
	assert.Equal(t, "v=DMARC1; p=quarantine", GenerateRecord(PolicyQuarantine, PolicyQuarantine, nil, 100))
	assert.Equal(t, "v=DMARC1; p=reject; sp=none; rua=mailto:dmarc@example.com; pct=25",
		GenerateRecord(PolicyReject, PolicyNone, []string{"mailto:dmarc@example.com"}, 25))

	_, err := ParseRecord(GenerateRecord(PolicyNone, "", nil, 0))
	assert.NoError(t, err)
}

func TestOrganizationalDomain(t *testing.T) {
	for _, f := range []OrgDomainFunc{OrganizationalDomain, HeuristicOrgDomain} {
		assert.Equal(t, "example.com", f("sub.example.com"))
		assert.Equal(t, "example.com", f("example.com"))
		assert.Equal(t, "example.com", f("a.b.c.Example.COM."))
		assert.Equal(t, "example.co.uk", f("mail.example.co.uk"))
	}

	assert.Equal(t, "example.com.au", HeuristicOrgDomain("mail.example.com.au"))
	assert.Equal(t, "example.com.au", OrganizationalDomain("mail.example.com.au"))

	// ac.uk is only known to the suffix list
	assert.Equal(t, "ac.uk", HeuristicOrgDomain("mail.example.ac.uk"))
	assert.Equal(t, "example.ac.uk", OrganizationalDomain("mail.example.ac.uk"))

	assert.Equal(t, "com", OrganizationalDomain("com"))

	assert.Equal(t, "example.co.uk", OrgDomainFuncFor("heuristic")("x.example.co.uk"))
	assert.Equal(t, "example.com", OrgDomainFuncFor("")("x.example.com"))
}

func TestAlignment(t *testing.T) {
	assert.True(t, Aligned("example.com", "EXAMPLE.com", AlignmentStrict, nil))
	assert.False(t, Aligned("example.com", "mail.example.com", AlignmentStrict, nil))
	assert.True(t, Aligned("example.com", "mail.example.com", AlignmentRelaxed, nil))
	assert.False(t, Aligned("example.com", "example.net", AlignmentRelaxed, nil))
	assert.False(t, Aligned("example.com", "", AlignmentRelaxed, nil))

	// end-to-end scenario 3
	results := []dkim.VerificationResult{
		{Valid: false, Domain: "mail.example.com", Selector: "s1", Error: errors.New("bad signature")},
		{Valid: true, Domain: "example.com", Selector: "s2"},
	}
	assert.True(t, DKIMAligned("example.com", results, AlignmentStrict, OrganizationalDomain))

	// valid but misaligned signatures do not count
	results = []dkim.VerificationResult{
		{Valid: true, Domain: "esp.example"},
		{Valid: false, Domain: "example.com"},
	}
	assert.False(t, DKIMAligned("example.com", results, AlignmentRelaxed, OrganizationalDomain))
}

func newValidator(r *dnsresolver.Static, s *fakeSPF, d *fakeDKIM, m *metrics.Metrics) *Validator {
	return NewValidator(r, s, d, Config{}, m)
}

func TestCheckNoRecord(t *testing.T) {
	// end-to-end scenario 1
	r := dnsresolver.NewStatic()
	m := metrics.NewRegistry()
	v := newValidator(r, &fakeSPF{result: spf.ResultPass}, &fakeDKIM{}, m)

	res := v.Check(context.Background(), "example.com", net.ParseIP("192.0.2.1"), "example.com", "mx.example.com", nil)
	assert.Equal(t, "none", res.Disposition)
	assert.Error(t, res.Error)
	assert.ErrorIs(t, res.Error, ErrNoRecord)
	assert.Nil(t, res.Record)
	assert.Equal(t, spf.ResultPass, res.SPFResult)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DMARCResults.WithLabelValues("none", "none")))

	res = v.Check(context.Background(), "sub.example.com", net.ParseIP("192.0.2.1"), "", "", nil)
	assert.Equal(t, "none", res.Disposition)
	assert.Error(t, res.Error)
	assert.Equal(t, []string{"TXT _dmarc.example.com", "TXT _dmarc.sub.example.com", "TXT _dmarc.example.com"}, r.Queries)
}

func TestCheckInvalidRecord(t *testing.T) {
	r := dnsresolver.NewStatic()
	r.TXT["_dmarc.example.com"] = []string{"v=DMARC1; p=drop"}
	v := newValidator(r, &fakeSPF{result: spf.ResultFail}, &fakeDKIM{}, nil)

	res := v.Check(context.Background(), "example.com", net.ParseIP("192.0.2.1"), "example.com", "", nil)
	assert.Equal(t, "none", res.Disposition)
	assert.ErrorIs(t, res.Error, ErrInvalidRecord)
}

func TestCheck(t *testing.T) {
	r := dnsresolver.NewStatic()
	r.TXT["_dmarc.example.com"] = []string{"some-other=txt", "v=DMARC1; p=reject; sp=quarantine"}
	r.TXT["_dmarc.strict.example"] = []string{"v=DMARC1; p=quarantine; aspf=s; adkim=s"}

	tests := []struct {
		name        string
		from        string
		spf         *fakeSPF
		dkim        []dkim.VerificationResult
		pass        bool
		disposition string
		recordAt    string
	}{
		{
			name: "spf aligned pass",
			from: "example.com", spf: &fakeSPF{result: spf.ResultPass, domain: "bounce.example.com"},
			pass: true, disposition: "none", recordAt: "example.com",
		},
		{
			name: "spf pass but misaligned",
			from: "example.com", spf: &fakeSPF{result: spf.ResultPass, domain: "esp.example"},
			pass: false, disposition: "reject", recordAt: "example.com",
		},
		{
			name: "dkim aligned",
			from: "example.com", spf: &fakeSPF{result: spf.ResultFail, domain: "example.com"},
			dkim: []dkim.VerificationResult{{Valid: true, Domain: "mail.example.com"}},
			pass: true, disposition: "none", recordAt: "example.com",
		},
		{
			name: "subdomain uses sp",
			from: "news.example.com", spf: &fakeSPF{result: spf.ResultSoftFail, domain: "news.example.com"},
			pass: false, disposition: "quarantine", recordAt: "example.com",
		},
		{
			name: "strict spf misaligned",
			from: "strict.example", spf: &fakeSPF{result: spf.ResultPass, domain: "mail.strict.example"},
			pass: false, disposition: "quarantine", recordAt: "strict.example",
		},
		{
			name: "strict dkim aligned",
			from: "strict.example", spf: &fakeSPF{result: spf.ResultFail},
			dkim: []dkim.VerificationResult{
				{Valid: false, Domain: "mail.strict.example"},
				{Valid: true, Domain: "strict.example"},
			},
			pass: true, disposition: "none", recordAt: "strict.example",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newValidator(r, tt.spf, &fakeDKIM{results: tt.dkim}, nil)
			res := v.Check(context.Background(), tt.from, net.ParseIP("192.0.2.1"), tt.spf.domain, "", []byte("x"))
			require.NoError(t, res.Error)
			assert.Equal(t, tt.pass, res.Pass)
			assert.Equal(t, tt.disposition, res.Disposition)
			assert.Equal(t, tt.recordAt, res.RecordAt)
		})
	}
}

func TestCheckDKIMError(t *testing.T) {
	r := dnsresolver.NewStatic()
	r.TXT["_dmarc.example.com"] = []string{"v=DMARC1; p=reject"}
	v := newValidator(r, &fakeSPF{result: spf.ResultNone}, &fakeDKIM{err: errors.New("malformed")}, nil)

	res := v.Check(context.Background(), "example.com", net.ParseIP("192.0.2.1"), "", "helo.example.org", nil)
	assert.False(t, res.Pass)
	assert.Equal(t, "reject", res.Disposition)
	assert.Equal(t, "helo.example.org", res.SPFDomain)
}

func TestAuthenticationResults(t *testing.T) {
	r := dnsresolver.NewStatic()
	r.TXT["_dmarc.example.com"] = []string{"v=DMARC1; p=reject"}
	v := newValidator(r,
		&fakeSPF{result: spf.ResultPass, domain: "example.com"},
		&fakeDKIM{results: []dkim.VerificationResult{{Valid: true, Domain: "example.com", Selector: "mail"}}},
		nil)

	res := v.Check(context.Background(), "example.com", net.ParseIP("192.0.2.1"), "example.com", "", nil)
	header := res.AuthenticationResults("mx.mailcore.example")
	assert.Equal(t, "mx.mailcore.example;\r\n\tspf=pass smtp.mailfrom=example.com;\r\n\t"+
		"dkim=pass header.d=example.com header.s=mail;\r\n\t"+
		"dmarc=pass (p=reject dis=NONE) header.from=example.com", header)
}

func TestReporter(t *testing.T) {
	r := dnsresolver.NewStatic()
	r.TXT["_dmarc.example.com"] = []string{"v=DMARC1; p=reject; rua=mailto:agg@example.com"}
	v := newValidator(r, &fakeSPF{result: spf.ResultFail, domain: "example.com"}, &fakeDKIM{}, nil)

	rep := NewReporter("mailcore", "postmaster@mailcore.example")
	ip := net.ParseIP("192.0.2.1")
	for i := 0; i < 3; i++ {
		rep.Add(v.Check(context.Background(), "example.com", ip, "example.com", "", nil), ip, "Bounce@Example.com")
	}
	rep.Add(v.Check(context.Background(), "nodmarc.example", ip, "", "", nil), ip, "")

	assert.Equal(t, []string{"example.com"}, rep.Domains())

	begin := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out, err := rep.Flush("example.com", begin, begin.Add(24*time.Hour))
	require.NoError(t, err)
	xml := string(out)
	assert.Contains(t, xml, "<feedback>")
	assert.Contains(t, xml, "<domain>example.com</domain>")
	assert.Contains(t, xml, "<source_ip>192.0.2.1</source_ip>")
	assert.Contains(t, xml, "<count>3</count>")
	assert.Contains(t, xml, "<disposition>reject</disposition>")
	assert.Contains(t, xml, "<envelope_from>bounce@example.com</envelope_from>")
	assert.Contains(t, xml, "<begin>1772323200</begin>")

	out, err = rep.Flush("example.com", begin, begin)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestReporterWriteReports(t *testing.T) {
	r := dnsresolver.NewStatic()
	r.TXT["_dmarc.example.com"] = []string{"v=DMARC1; p=none; rua=mailto:agg@example.com"}
	v := newValidator(r, &fakeSPF{result: spf.ResultPass, domain: "example.com"}, &fakeDKIM{}, nil)

	rep := NewReporter("mailcore", "postmaster@mailcore.example")
	ip := net.ParseIP("198.51.100.7")
	rep.Add(v.Check(context.Background(), "example.com", ip, "example.com", "", nil), ip, "a@example.com")

	dir := filepath.Join(t.TempDir(), "reports")
	begin := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	paths, err := rep.WriteReports(dir, "mx.mailcore.example", begin, begin.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "mx.mailcore.example!example.com!1772323200!1772326800.xml", filepath.Base(paths[0]))

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "<source_ip>198.51.100.7</source_ip>")
	assert.Empty(t, rep.Domains())

	paths, err = rep.WriteReports(dir, "mx.mailcore.example", begin, begin)
	require.NoError(t, err)
	assert.Empty(t, paths)
}
