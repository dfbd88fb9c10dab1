// Package routing turns a recipient into delivery decisions by applying
// per-domain routing rules and then resolving mailboxes, aliases and
// distribution lists.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/policy"
)

// Action is the outcome of routing one recipient
type Action string

const (
	ActionDeliverInternal Action = "deliver-internal"
	ActionRelayExternal   Action = "relay-external"
	ActionReject          Action = "reject"
	ActionQuarantine      Action = "quarantine"
)

// DefaultMaxHops bounds alias, forward and list expansion depth
const DefaultMaxHops = 10

// Reject reasons
const (
	ReasonUserUnknown      = "5.1.1 user unknown"
	ReasonAliasLoop        = "alias loop detected"
	ReasonRelayDenied      = "5.7.1 external relay not permitted"
	ReasonInvalidRecipient = "5.1.3 invalid recipient address"
	ReasonRejectedByRule   = "5.7.1 rejected by policy"
)

// Decision is the routing result for a single final recipient
type Decision struct {
	Action            Action `json:"action"`
	Recipient         string `json:"recipient"`
	OriginalRecipient string `json:"original_recipient"`
	From              string `json:"from"`
	Mailbox           string `json:"mailbox,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RuleID            string `json:"rule_id,omitempty"`
}

// Engine routes recipients using the policy store
type Engine struct {
	store   policy.Store
	maxHops int
	logger  *slog.Logger
}

// NewEngine creates a routing engine. A maxHops of zero uses DefaultMaxHops.
func NewEngine(store policy.Store, maxHops int) *Engine {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &Engine{
		store:   store,
		maxHops: maxHops,
		logger:  slog.Default().With("component", "routing"),
	}
}

// walk carries the state of one Route call
type walk struct {
	msg      *Message
	original string
	path     map[string]bool
	seen     map[string]bool
	out      []Decision
}

func (w *walk) add(d Decision) {
	d.OriginalRecipient = w.original
	key := string(d.Action) + "|" + d.Recipient
	if w.seen[key] {
		return
	}
	w.seen[key] = true
	w.out = append(w.out, d)
}

// Route resolves recipient into one or more decisions. Store errors other
// than not-found are returned so the caller can retry later.
func (e *Engine) Route(ctx context.Context, msg *Message, recipient string) ([]Decision, error) {
	if msg == nil {
		msg = &Message{}
	}
	w := &walk{
		msg:      msg,
		original: domain.NormalizeAddress(recipient),
		path:     make(map[string]bool),
		seen:     make(map[string]bool),
	}
	if err := e.route(ctx, w, recipient, domain.NormalizeAddress(msg.From), 0, ""); err != nil {
		return nil, err
	}
	return w.out, nil
}

// route applies routing rules, then default routing
func (e *Engine) route(ctx context.Context, w *walk, rcpt, from string, hops int, ruleID string) error {
	rcpt = domain.NormalizeAddress(rcpt)
	if hops > e.maxHops || w.path[rcpt] {
		e.logger.Warn("Routing loop detected",
			"recipient", rcpt,
			"original", w.original,
			"hops", hops)
		w.add(Decision{Action: ActionReject, Recipient: rcpt, From: from, Reason: ReasonAliasLoop, RuleID: ruleID})
		return nil
	}
	w.path[rcpt] = true
	defer delete(w.path, rcpt)

	rule, err := e.matchRule(ctx, w.msg, rcpt, from)
	if err != nil {
		return err
	}
	if rule == nil {
		return e.defaultRoute(ctx, w, rcpt, from, hops, ruleID)
	}

	e.logger.Debug("Routing rule matched",
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"action", string(rule.Actions.Type),
		"recipient", rcpt)

	act := rule.Actions
	switch act.Type {
	case domain.ActionForward:
		if act.Target == "" {
			break
		}
		return e.route(ctx, w, act.Target, from, hops+1, rule.ID)
	case domain.ActionReject:
		reason := act.RejectMessage
		if reason == "" {
			reason = ReasonRejectedByRule
		}
		w.add(Decision{Action: ActionReject, Recipient: rcpt, From: from, Reason: reason, RuleID: rule.ID})
		return nil
	case domain.ActionQuarantine:
		w.add(Decision{Action: ActionQuarantine, Recipient: rcpt, From: from, Reason: act.QuarantineReason, RuleID: rule.ID})
		return nil
	case domain.ActionRewriteFrom:
		if act.Target != "" {
			from = domain.NormalizeAddress(act.Target)
		}
	case domain.ActionRewriteTo:
		if act.Target != "" {
			rcpt = domain.NormalizeAddress(act.Target)
		}
	case domain.ActionPassThrough:
	default:
		e.logger.Warn("Unknown routing rule action",
			"rule_id", rule.ID,
			"action", string(act.Type))
	}
	return e.defaultRoute(ctx, w, rcpt, from, hops, rule.ID)
}

func (e *Engine) defaultRoute(ctx context.Context, w *walk, rcpt, from string, hops int, ruleID string) error {
	local, rcptDomain := domain.SplitAddress(rcpt)
	if local == "" || rcptDomain == "" {
		w.add(Decision{Action: ActionReject, Recipient: rcpt, From: from, Reason: ReasonInvalidRecipient, RuleID: ruleID})
		return nil
	}

	dom, err := e.localDomain(ctx, rcptDomain)
	if err != nil {
		return err
	}
	if dom == nil {
		return e.routeExternal(ctx, w, rcpt, from, ruleID)
	}

	mb, err := e.store.GetMailbox(ctx, rcpt)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return fmt.Errorf("lookup mailbox %s: %w", rcpt, err)
	}
	if mb != nil && mb.Active {
		w.add(Decision{Action: ActionDeliverInternal, Recipient: rcpt, From: from, Mailbox: mb.Address, RuleID: ruleID})
		return nil
	}

	alias, err := e.store.GetAlias(ctx, rcpt)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return fmt.Errorf("lookup alias %s: %w", rcpt, err)
	}
	if alias != nil && alias.Active {
		for _, target := range strings.Split(alias.Target, ",") {
			if target = strings.TrimSpace(target); target == "" {
				continue
			}
			if err := e.route(ctx, w, target, from, hops+1, ruleID); err != nil {
				return err
			}
		}
		return nil
	}

	list, err := e.store.GetDistributionList(ctx, rcpt)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return fmt.Errorf("lookup distribution list %s: %w", rcpt, err)
	}
	if list != nil && list.Active {
		for _, member := range list.Members {
			if err := e.route(ctx, w, member, from, hops+1, ruleID); err != nil {
				return err
			}
		}
		return nil
	}

	if catchAll := domain.NormalizeAddress(dom.Policies.CatchAllAddress); catchAll != "" && catchAll != rcpt {
		return e.route(ctx, w, catchAll, from, hops+1, ruleID)
	}

	w.add(Decision{Action: ActionReject, Recipient: rcpt, From: from, Reason: ReasonUserUnknown, RuleID: ruleID})
	return nil
}

func (e *Engine) routeExternal(ctx context.Context, w *walk, rcpt, from string, ruleID string) error {
	if senderDomain := domain.DomainOf(from); senderDomain != "" {
		dom, err := e.localDomain(ctx, senderDomain)
		if err != nil {
			return err
		}
		if dom != nil && !dom.Policies.AllowExternalRelay {
			w.add(Decision{Action: ActionReject, Recipient: rcpt, From: from, Reason: ReasonRelayDenied, RuleID: ruleID})
			return nil
		}
	}
	w.add(Decision{Action: ActionRelayExternal, Recipient: rcpt, From: from, RuleID: ruleID})
	return nil
}

// localDomain returns the hosted, non-suspended domain named name or nil
func (e *Engine) localDomain(ctx context.Context, name string) (*domain.Domain, error) {
	d, err := e.store.GetDomain(ctx, name)
	if errors.Is(err, policy.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup domain %s: %w", name, err)
	}
	if !d.IsActive() {
		return nil, nil
	}
	return d, nil
}

// matchRule returns the first matching rule of the recipient's domain, then
// of the sender's domain
func (e *Engine) matchRule(ctx context.Context, msg *Message, rcpt, from string) (*domain.RoutingRule, error) {
	domains := []string{domain.DomainOf(rcpt)}
	if senderDomain := domain.DomainOf(from); senderDomain != "" && senderDomain != domains[0] {
		domains = append(domains, senderDomain)
	}

	for _, name := range domains {
		dom, err := e.localDomain(ctx, name)
		if err != nil {
			return nil, err
		}
		if dom == nil {
			continue
		}
		rules, err := e.store.GetRoutingRules(ctx, dom.ID)
		if err != nil && !errors.Is(err, policy.ErrNotFound) {
			return nil, fmt.Errorf("load routing rules for %s: %w", name, err)
		}
		for _, rule := range rules {
			if rule.Active && ruleMatches(rule, msg, rcpt, from) {
				return rule, nil
			}
		}
	}
	return nil, nil
}

// ruleMatches checks every condition of rule; empty conditions match
func ruleMatches(rule *domain.RoutingRule, msg *Message, rcpt, from string) bool {
	cond := rule.Conditions

	if cond.SenderPattern != "" && !MatchPattern(cond.SenderPattern, from) {
		return false
	}
	if cond.RecipientPattern != "" && !MatchPattern(cond.RecipientPattern, rcpt) {
		return false
	}
	if cond.SubjectPattern != "" && !MatchPattern(cond.SubjectPattern, msg.Subject) {
		return false
	}
	if cond.HeaderName != "" && cond.HeaderPattern != "" {
		matched := false
		for _, v := range msg.Headers.Values(cond.HeaderName) {
			if MatchPattern(cond.HeaderPattern, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if cond.MinSize > 0 && msg.Size < cond.MinSize {
		return false
	}
	if cond.MaxSize > 0 && msg.Size > cond.MaxSize {
		return false
	}
	if cond.HasAttachment != nil && *cond.HasAttachment != msg.HasAttachment {
		return false
	}
	return true
}

var patternCache sync.Map // glob -> *regexp.Regexp

// MatchPattern reports whether the whole of value matches pattern
// case-insensitively. * matches any run of characters and ? exactly one;
// everything else, brackets and slashes included, is literal.
func MatchPattern(pattern, value string) bool {
	return globRegexp(pattern).MatchString(value)
}

func globRegexp(pattern string) *regexp.Regexp {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, ".*")
	expr = strings.ReplaceAll(expr, `\?`, ".")
	re := regexp.MustCompile("(?i)^" + expr + "$")
	patternCache.Store(pattern, re)
	return re
}
