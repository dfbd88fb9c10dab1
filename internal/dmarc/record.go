package dmarc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Policy is the requested handling of failing mail
type Policy string

const (
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

func (p Policy) valid() bool {
	return p == PolicyNone || p == PolicyQuarantine || p == PolicyReject
}

// Alignment is the identifier alignment mode
type Alignment string

const (
	AlignmentRelaxed Alignment = "r"
	AlignmentStrict  Alignment = "s"
)

// Record defaults from RFC 7489 section 6.3
const (
	DefaultPercentage     = 100
	DefaultReportFormat   = "afrf"
	DefaultReportInterval = 86400
	DefaultFailureOptions = "0"
)

var ErrInvalidRecord = errors.New("dmarc: invalid record")

// Record is a parsed DMARC policy record
type Record struct {
	Version         string    `json:"v"`
	Policy          Policy    `json:"p"`
	SubdomainPolicy Policy    `json:"sp"`
	ADKIM           Alignment `json:"adkim"`
	ASPF            Alignment `json:"aspf"`
	Percentage      int       `json:"pct"`
	ReportAggregate []string  `json:"rua,omitempty"`
	ReportForensic  []string  `json:"ruf,omitempty"`
	ReportFormat    string    `json:"rf"`
	ReportInterval  int       `json:"ri"`
	FailureOptions  string    `json:"fo"`
}

// ParseRecord parses a "v=DMARC1; p=..." TXT value. A missing v or p tag,
// a version other than DMARC1 or an unknown policy is an error.
func ParseRecord(raw string) (*Record, error) {
	r := &Record{
		ADKIM:          AlignmentRelaxed,
		ASPF:           AlignmentRelaxed,
		Percentage:     DefaultPercentage,
		ReportFormat:   DefaultReportFormat,
		ReportInterval: DefaultReportInterval,
		FailureOptions: DefaultFailureOptions,
	}

	for _, tag := range strings.Split(raw, ";") {
		key, value, ok := strings.Cut(tag, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "v":
			r.Version = value
		case "p":
			r.Policy = Policy(strings.ToLower(value))
		case "sp":
			if sp := Policy(strings.ToLower(value)); sp.valid() {
				r.SubdomainPolicy = sp
			}
		case "adkim":
			r.ADKIM = parseAlignment(value)
		case "aspf":
			r.ASPF = parseAlignment(value)
		case "pct":
			if pct, err := strconv.Atoi(value); err == nil {
				r.Percentage = min(max(pct, 1), 100)
			}
		case "rua":
			r.ReportAggregate = parseURIList(value)
		case "ruf":
			r.ReportForensic = parseURIList(value)
		case "rf":
			if value != "" {
				r.ReportFormat = value
			}
		case "ri":
			if ri, err := strconv.Atoi(value); err == nil && ri > 0 {
				r.ReportInterval = ri
			}
		case "fo":
			if value != "" {
				r.FailureOptions = value
			}
		}
	}

	if r.Version == "" {
		return nil, fmt.Errorf("%w: missing version tag", ErrInvalidRecord)
	}
	if r.Version != "DMARC1" {
		return nil, fmt.Errorf("%w: version %q", ErrInvalidRecord, r.Version)
	}
	if r.Policy == "" {
		return nil, fmt.Errorf("%w: missing required policy (p=)", ErrInvalidRecord)
	}
	if !r.Policy.valid() {
		return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidRecord, r.Policy)
	}
	if r.SubdomainPolicy == "" {
		r.SubdomainPolicy = r.Policy
	}
	return r, nil
}

func parseAlignment(value string) Alignment {
	if strings.EqualFold(value, "s") {
		return AlignmentStrict
	}
	return AlignmentRelaxed
}

// parseURIList splits a rua/ruf list and drops any !size limit
func parseURIList(value string) []string {
	var uris []string
	for _, uri := range strings.Split(value, ",") {
		uri = strings.TrimSpace(uri)
		if idx := strings.IndexByte(uri, '!'); idx != -1 {
			uri = uri[:idx]
		}
		if uri != "" {
			uris = append(uris, uri)
		}
	}
	return uris
}

// String serializes the record with every tag explicit
func (r *Record) String() string {
	parts := []string{
		"v=DMARC1",
		"p=" + string(r.Policy),
	}
	if r.SubdomainPolicy != "" {
		parts = append(parts, "sp="+string(r.SubdomainPolicy))
	}
	if r.ADKIM != "" {
		parts = append(parts, "adkim="+string(r.ADKIM))
	}
	if r.ASPF != "" {
		parts = append(parts, "aspf="+string(r.ASPF))
	}
	if r.Percentage > 0 {
		parts = append(parts, "pct="+strconv.Itoa(r.Percentage))
	}
	if len(r.ReportAggregate) > 0 {
		parts = append(parts, "rua="+strings.Join(r.ReportAggregate, ","))
	}
	if len(r.ReportForensic) > 0 {
		parts = append(parts, "ruf="+strings.Join(r.ReportForensic, ","))
	}
	if r.ReportFormat != "" {
		parts = append(parts, "rf="+r.ReportFormat)
	}
	if r.ReportInterval > 0 {
		parts = append(parts, "ri="+strconv.Itoa(r.ReportInterval))
	}
	if r.FailureOptions != "" {
		parts = append(parts, "fo="+r.FailureOptions)
	}
	return strings.Join(parts, "; ")
}

// GenerateRecord builds a minimal record for domain onboarding. sp is only
// written when it differs from p and pct only when below 100.
func GenerateRecord(p, sp Policy, rua []string, pct int) string {
	parts := []string{"v=DMARC1", "p=" + string(p)}
	if sp != "" && sp != p {
		parts = append(parts, "sp="+string(sp))
	}
	if len(rua) > 0 {
		parts = append(parts, "rua="+strings.Join(rua, ","))
	}
	if pct > 0 && pct < 100 {
		parts = append(parts, fmt.Sprintf("pct=%d", pct))
	}
	return strings.Join(parts, "; ")
}
