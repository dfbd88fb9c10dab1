package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// OrgDomainFunc reduces a domain to its organizational domain
type OrgDomainFunc func(domain string) string

// Organizational domain modes accepted by OrgDomainFuncFor
const (
	OrgDomainPSL       = "psl"
	OrgDomainHeuristic = "heuristic"
)

// OrganizationalDomain returns the registrable domain (eTLD+1) using the
// public suffix list. Names that are themselves public suffixes are
// returned unchanged.
func OrganizationalDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return org
}

// HeuristicOrgDomain keeps three labels when the second-level label is
// co, com, org or net (example.co.uk) and two labels otherwise.
func HeuristicOrgDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	parts := strings.Split(domain, ".")
	if len(parts) <= 2 {
		return domain
	}
	switch parts[len(parts)-2] {
	case "co", "com", "org", "net":
		return strings.Join(parts[len(parts)-3:], ".")
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// OrgDomainFuncFor maps a config mode to its implementation. Unknown modes
// use the public suffix list.
func OrgDomainFuncFor(mode string) OrgDomainFunc {
	if strings.EqualFold(mode, OrgDomainHeuristic) {
		return HeuristicOrgDomain
	}
	return OrganizationalDomain
}
