package spf

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type qualifier byte

func (q qualifier) result() Result {
	switch q {
	case '-':
		return ResultFail
	case '~':
		return ResultSoftFail
	case '?':
		return ResultNeutral
	default:
		return ResultPass
	}
}

type mechanism struct {
	qualifier  qualifier
	kind       string
	domainSpec string
	network    *net.IPNet // ip4/ip6
	cidr4      int        // a/mx, -1 when absent
	cidr6      int
	raw        string
}

func (m mechanism) String() string {
	return m.raw
}

// matchAny reports whether ip falls inside any of addrs widened by the
// mechanism's dual CIDR lengths.
func (m mechanism) matchAny(ip net.IP, addrs []net.IP) bool {
	for _, a := range addrs {
		bits, ones := 32, m.cidr4
		candidate := a.To4()
		target := ip.To4()
		if candidate == nil {
			bits, ones = 128, m.cidr6
			candidate = a.To16()
			target = ip.To16()
			if ip.To4() != nil {
				continue
			}
		} else if target == nil {
			continue
		}
		if ones < 0 {
			ones = bits
		}
		mask := net.CIDRMask(ones, bits)
		if candidate.Mask(mask).Equal(target.Mask(mask)) {
			return true
		}
	}
	return false
}

type record struct {
	mechanisms []mechanism
	redirect   string
	exp        string
}

var knownMechanisms = map[string]bool{
	"all": true, "include": true, "a": true, "mx": true,
	"ptr": true, "ip4": true, "ip6": true, "exists": true,
}

// parseRecord parses a complete "v=spf1 ..." string. Any syntax error makes
// the whole record invalid.
func parseRecord(raw string) (*record, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "v=spf1") {
		return nil, fmt.Errorf("spf: record does not start with v=spf1")
	}

	rec := &record{}
	for _, term := range fields[1:] {
		if name, value, ok := splitModifier(term); ok {
			switch name {
			case "redirect":
				if rec.redirect != "" {
					return nil, fmt.Errorf("spf: duplicate redirect modifier")
				}
				rec.redirect = value
			case "exp":
				if rec.exp != "" {
					return nil, fmt.Errorf("spf: duplicate exp modifier")
				}
				rec.exp = value
			}
			continue
		}

		m, err := parseMechanism(term)
		if err != nil {
			return nil, err
		}
		rec.mechanisms = append(rec.mechanisms, m)
	}

	// redirect is ignored when an all mechanism is present
	for _, m := range rec.mechanisms {
		if m.kind == "all" {
			rec.redirect = ""
			break
		}
	}
	return rec, nil
}

// splitModifier recognizes name=value terms. Mechanisms never contain '='
// before a ':' or '/'.
func splitModifier(term string) (string, string, bool) {
	eq := strings.IndexByte(term, '=')
	if eq <= 0 {
		return "", "", false
	}
	if i := strings.IndexAny(term, ":/"); i >= 0 && i < eq {
		return "", "", false
	}
	return strings.ToLower(term[:eq]), term[eq+1:], true
}

func parseMechanism(term string) (mechanism, error) {
	m := mechanism{qualifier: '+', cidr4: -1, cidr6: -1, raw: term}
	if strings.ContainsRune("+-~?", rune(term[0])) {
		m.qualifier = qualifier(term[0])
		term = term[1:]
	}

	name := term
	arg := ""
	if i := strings.IndexAny(term, ":/"); i >= 0 {
		name = term[:i]
		arg = term[i:]
	}
	m.kind = strings.ToLower(name)
	if !knownMechanisms[m.kind] {
		return m, fmt.Errorf("spf: unknown mechanism %q", name)
	}

	switch m.kind {
	case "all":
		if arg != "" {
			return m, fmt.Errorf("spf: all takes no argument")
		}

	case "ip4", "ip6":
		if !strings.HasPrefix(arg, ":") || len(arg) == 1 {
			return m, fmt.Errorf("spf: %s requires an address", m.kind)
		}
		network, err := parseNetwork(arg[1:], m.kind == "ip6")
		if err != nil {
			return m, err
		}
		m.network = network

	case "include", "exists":
		if !strings.HasPrefix(arg, ":") || len(arg) == 1 {
			return m, fmt.Errorf("spf: %s requires a domain", m.kind)
		}
		m.domainSpec = arg[1:]

	case "a", "mx", "ptr":
		spec := arg
		if strings.HasPrefix(spec, ":") {
			spec = spec[1:]
			cidrAt := strings.IndexByte(spec, '/')
			if cidrAt >= 0 {
				m.domainSpec = spec[:cidrAt]
				spec = spec[cidrAt:]
			} else {
				m.domainSpec = spec
				spec = ""
			}
			if m.domainSpec == "" {
				return m, fmt.Errorf("spf: empty domain in %q", term)
			}
		}
		if spec != "" {
			if m.kind == "ptr" {
				return m, fmt.Errorf("spf: ptr takes no CIDR")
			}
			if err := m.parseDualCIDR(spec); err != nil {
				return m, err
			}
		}
	}
	return m, nil
}

// parseDualCIDR parses "/n", "//n" or "/n//m"
func (m *mechanism) parseDualCIDR(spec string) error {
	v4, v6 := spec, ""
	if i := strings.Index(spec, "//"); i >= 0 {
		v4, v6 = spec[:i], spec[i+2:]
	}
	if v4 != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(v4, "/"))
		if err != nil || !strings.HasPrefix(v4, "/") || n < 0 || n > 32 {
			return fmt.Errorf("spf: invalid ip4 cidr %q", v4)
		}
		m.cidr4 = n
	}
	if v6 != "" {
		n, err := strconv.Atoi(v6)
		if err != nil || n < 0 || n > 128 {
			return fmt.Errorf("spf: invalid ip6 cidr %q", v6)
		}
		m.cidr6 = n
	}
	return nil
}

func parseNetwork(s string, v6 bool) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		if v6 {
			s += "/128"
		} else {
			s += "/32"
		}
	}
	ip, network, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("spf: invalid network %q", s)
	}
	if (ip.To4() == nil) != v6 {
		return nil, fmt.Errorf("spf: address family mismatch in %q", s)
	}
	return network, nil
}

// expand performs macro expansion (RFC 7208 section 7). exp enables the
// explanation-only letters c, r and t.
func (e *evaluation) expand(spec, domain string, exp bool) (string, error) {
	if !strings.Contains(spec, "%") {
		return spec, nil
	}

	var b strings.Builder
	for i := 0; i < len(spec); i++ {
		c := spec[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(spec) {
			return "", fmt.Errorf("spf: dangling %% in %q", spec)
		}
		i++
		switch spec[i] {
		case '%':
			b.WriteByte('%')
		case '_':
			b.WriteByte(' ')
		case '-':
			b.WriteString("%20")
		case '{':
			end := strings.IndexByte(spec[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("spf: unterminated macro in %q", spec)
			}
			val, err := e.macro(spec[i+1:i+end], domain, exp)
			if err != nil {
				return "", err
			}
			b.WriteString(val)
			i += end
		default:
			return "", fmt.Errorf("spf: invalid macro escape in %q", spec)
		}
	}
	return b.String(), nil
}

func (e *evaluation) macro(body, domain string, exp bool) (string, error) {
	if body == "" {
		return "", fmt.Errorf("spf: empty macro")
	}
	letter := body[0] | 0x20
	rest := body[1:]

	local, senderDomain := e.sender, ""
	if at := strings.LastIndexByte(e.sender, '@'); at >= 0 {
		local, senderDomain = e.sender[:at], e.sender[at+1:]
	}

	var value string
	switch letter {
	case 's':
		value = e.sender
	case 'l':
		value = local
	case 'o':
		value = senderDomain
	case 'd':
		value = domain
	case 'h':
		value = e.helo
	case 'i':
		value = dottedIP(e.ip)
	case 'v':
		if e.ip.To4() != nil {
			value = "in-addr"
		} else {
			value = "ip6"
		}
	case 'p':
		value = "unknown"
	case 'c', 'r', 't':
		if !exp {
			return "", fmt.Errorf("spf: macro %%{%c} only allowed in explanations", letter)
		}
		switch letter {
		case 'c':
			value = e.ip.String()
		case 'r':
			value = "unknown"
		case 't':
			value = strconv.FormatInt(time.Now().Unix(), 10)
		}
	default:
		return "", fmt.Errorf("spf: unknown macro letter %q", body[0])
	}

	digits := 0
	for len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
		digits = digits*10 + int(rest[0]-'0')
		rest = rest[1:]
	}
	reverse := false
	if len(rest) > 0 && (rest[0] == 'r' || rest[0] == 'R') {
		reverse = true
		rest = rest[1:]
	}
	delims := "."
	if rest != "" {
		if strings.Trim(rest, ".-+,/_=") != "" {
			return "", fmt.Errorf("spf: invalid macro delimiters %q", rest)
		}
		delims = rest
	}

	parts := strings.FieldsFunc(value, func(r rune) bool { return strings.ContainsRune(delims, r) })
	if reverse {
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
	}
	if digits > 0 && digits < len(parts) {
		parts = parts[len(parts)-digits:]
	}
	return strings.Join(parts, "."), nil
}

// dottedIP renders ip4 as dotted quad and ip6 as dot-separated nibbles
func dottedIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	v6 := ip.To16()
	nibbles := make([]string, 0, 32)
	for _, b := range v6 {
		nibbles = append(nibbles, strconv.FormatInt(int64(b>>4), 16), strconv.FormatInt(int64(b&0xf), 16))
	}
	return strings.Join(nibbles, ".")
}
