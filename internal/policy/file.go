package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/domain"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of a static policy file:
//
//	domains:
//	  - name: example.com
//	    mailboxes: [alice, bob@example.com]
//	    aliases:
//	      - {source: sales, target: alice}
//	    dkim_keys:
//	      - {selector: mail, public_key: "...", private_key: "..."}
//
// Local parts without a domain are qualified with the owning domain.
type fileDocument struct {
	Domains []fileDomain `yaml:"domains"`
}

type fileDomain struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Status    string        `yaml:"status"`
	Policies  filePolicies  `yaml:"policies"`
	DKIMKeys  []fileDKIMKey `yaml:"dkim_keys"`
	Mailboxes []string      `yaml:"mailboxes"`
	Aliases   []fileAlias   `yaml:"aliases"`
	Lists     []fileList    `yaml:"lists"`
	Rules     []fileRule    `yaml:"rules"`
}

func (d *fileDomain) UnmarshalYAML(node *yaml.Node) error {
	type plain fileDomain
	def := domain.DefaultPolicies()
	p := plain{
		Status: string(domain.StatusVerified),
		Policies: filePolicies{
			MaxMessageSize:     def.MaxMessageSize,
			AllowExternalRelay: def.AllowExternalRelay,
			RateLimitPerHour:   def.RateLimitPerHour,
			RateLimitPerDay:    def.RateLimitPerDay,
			RejectUnknownUsers: def.RejectUnknownUsers,
		},
	}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = fileDomain(p)
	return nil
}

type filePolicies struct {
	CatchAllAddress    string `yaml:"catch_all_address"`
	MaxMessageSize     int64  `yaml:"max_message_size"`
	RequireTLS         bool   `yaml:"require_tls"`
	AllowExternalRelay bool   `yaml:"allow_external_relay"`
	RateLimitPerHour   int    `yaml:"rate_limit_per_hour"`
	RateLimitPerDay    int    `yaml:"rate_limit_per_day"`
	RejectUnknownUsers bool   `yaml:"reject_unknown_users"`
}

type fileDKIMKey struct {
	Selector   string     `yaml:"selector"`
	Algorithm  string     `yaml:"algorithm"`
	PublicKey  string     `yaml:"public_key"`
	PrivateKey string     `yaml:"private_key"`
	Inactive   bool       `yaml:"inactive"`
	CreatedAt  time.Time  `yaml:"created_at"`
	ExpiresAt  *time.Time `yaml:"expires_at"`
}

type fileAlias struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

type fileList struct {
	Address    string   `yaml:"address"`
	Members    []string `yaml:"members"`
	Moderated  bool     `yaml:"moderated"`
	Moderators []string `yaml:"moderators"`
}

type fileRule struct {
	Name       string `yaml:"name"`
	Priority   int    `yaml:"priority"`
	Conditions struct {
		Sender        string `yaml:"sender"`
		Recipient     string `yaml:"recipient"`
		Subject       string `yaml:"subject"`
		HeaderName    string `yaml:"header_name"`
		HeaderPattern string `yaml:"header_pattern"`
		MinSize       int64  `yaml:"min_size"`
		MaxSize       int64  `yaml:"max_size"`
		HasAttachment *bool  `yaml:"has_attachment"`
	} `yaml:"conditions"`
	Action  string `yaml:"action"`
	Target  string `yaml:"target"`
	Message string `yaml:"message"`
	Reason  string `yaml:"reason"`
}

var validActions = map[domain.RuleAction]bool{
	domain.ActionForward:     true,
	domain.ActionReject:      true,
	domain.ActionQuarantine:  true,
	domain.ActionRewriteFrom: true,
	domain.ActionRewriteTo:   true,
	domain.ActionPassThrough: true,
}

// LoadFile reads a YAML policy file into a MemoryStore. It backs single
// node deployments that run without Postgres.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile is LoadFile on already read content
func ParseFile(data []byte) (*MemoryStore, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	store := NewMemoryStore()
	seen := make(map[string]bool, len(doc.Domains))
	for i, fd := range doc.Domains {
		name := strings.ToLower(strings.TrimSpace(fd.Name))
		if name == "" {
			return nil, fmt.Errorf("policy file: domain %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("policy file: domain %s listed twice", name)
		}
		seen[name] = true
		if err := addFileDomain(store, name, fd); err != nil {
			return nil, fmt.Errorf("policy file: %s: %w", name, err)
		}
	}
	return store, nil
}

func addFileDomain(store *MemoryStore, name string, fd fileDomain) error {
	status := domain.Status(strings.ToLower(fd.Status))
	switch status {
	case domain.StatusPending, domain.StatusVerified, domain.StatusSuspended:
	default:
		return fmt.Errorf("unknown status %q", fd.Status)
	}

	id := fd.ID
	if id == "" {
		id = "file:" + name
	}
	qualify := func(addr string) string {
		addr = strings.TrimSpace(addr)
		if addr != "" && !strings.Contains(addr, "@") {
			addr += "@" + name
		}
		return domain.NormalizeAddress(addr)
	}

	p := fd.Policies
	store.AddDomain(&domain.Domain{
		ID:     id,
		Name:   name,
		Status: status,
		Policies: domain.Policies{
			CatchAllAddress:    qualifyOptional(qualify, p.CatchAllAddress),
			MaxMessageSize:     p.MaxMessageSize,
			RequireTLS:         p.RequireTLS,
			AllowExternalRelay: p.AllowExternalRelay,
			RateLimitPerHour:   p.RateLimitPerHour,
			RateLimitPerDay:    p.RateLimitPerDay,
			RejectUnknownUsers: p.RejectUnknownUsers,
		},
	})

	for i, k := range fd.DKIMKeys {
		if k.Selector == "" || k.PrivateKey == "" {
			return fmt.Errorf("dkim key %d needs a selector and a private key", i)
		}
		algorithm := k.Algorithm
		if algorithm == "" {
			algorithm = domain.AlgorithmRSASHA256
		}
		store.AddDKIMKey(name, &domain.DKIMKey{
			ID:         fmt.Sprintf("%s:dkim:%s", id, k.Selector),
			DomainID:   id,
			Selector:   k.Selector,
			Algorithm:  algorithm,
			PublicKey:  k.PublicKey,
			PrivateKey: k.PrivateKey,
			IsActive:   !k.Inactive,
			CreatedAt:  k.CreatedAt,
			ExpiresAt:  k.ExpiresAt,
		})
	}

	for _, m := range fd.Mailboxes {
		addr := qualify(m)
		local, _ := domain.SplitAddress(addr)
		store.AddMailbox(&domain.Mailbox{
			ID:        id + ":mailbox:" + local,
			DomainID:  id,
			LocalPart: local,
			Address:   addr,
			Active:    true,
		})
	}

	for i, a := range fd.Aliases {
		if a.Source == "" || a.Target == "" {
			return fmt.Errorf("alias %d needs a source and a target", i)
		}
		store.AddAlias(&domain.Alias{
			ID:       fmt.Sprintf("%s:alias:%d", id, i),
			DomainID: id,
			Source:   qualify(a.Source),
			Target:   qualify(a.Target),
			Active:   true,
		})
	}

	for i, l := range fd.Lists {
		if l.Address == "" {
			return fmt.Errorf("list %d has no address", i)
		}
		members := make([]string, 0, len(l.Members))
		for _, m := range l.Members {
			members = append(members, qualify(m))
		}
		moderators := make([]string, 0, len(l.Moderators))
		for _, m := range l.Moderators {
			moderators = append(moderators, qualify(m))
		}
		store.AddDistributionList(&domain.DistributionList{
			ID:         fmt.Sprintf("%s:list:%d", id, i),
			DomainID:   id,
			Address:    qualify(l.Address),
			Members:    members,
			Moderated:  l.Moderated,
			Moderators: moderators,
			Active:     true,
		})
	}

	for i, r := range fd.Rules {
		action := domain.RuleAction(strings.ToLower(r.Action))
		if !validActions[action] {
			return fmt.Errorf("rule %d: unknown action %q", i, r.Action)
		}
		store.AddRoutingRule(&domain.RoutingRule{
			ID:       fmt.Sprintf("%s:rule:%d", id, i),
			DomainID: id,
			Name:     r.Name,
			Priority: r.Priority,
			Active:   true,
			Conditions: domain.RuleConditions{
				SenderPattern:    r.Conditions.Sender,
				RecipientPattern: r.Conditions.Recipient,
				SubjectPattern:   r.Conditions.Subject,
				HeaderName:       r.Conditions.HeaderName,
				HeaderPattern:    r.Conditions.HeaderPattern,
				MinSize:          r.Conditions.MinSize,
				MaxSize:          r.Conditions.MaxSize,
				HasAttachment:    r.Conditions.HasAttachment,
			},
			Actions: domain.RuleActions{
				Type:             action,
				Target:           r.Target,
				RejectMessage:    r.Message,
				QuarantineReason: r.Reason,
			},
		})
	}
	return nil
}

func qualifyOptional(qualify func(string) string, addr string) string {
	if strings.TrimSpace(addr) == "" {
		return ""
	}
	return qualify(addr)
}
