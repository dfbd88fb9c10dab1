package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/busybox42/mailcore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicyFile = `
domains:
  - name: Example.com
    policies:
      catch_all_address: postmaster
      rate_limit_per_hour: 50
    dkim_keys:
      - selector: mail
        public_key: MIIBIjAN
        private_key: c2VhbGVk
        created_at: 2026-01-02T00:00:00Z
    mailboxes: [alice, bob@example.com]
    aliases:
      - {source: sales, target: alice}
    lists:
      - address: team
        members: [alice, bob, carol@remote.example]
    rules:
      - name: block spam
        priority: 5
        conditions: {subject: "*viagra*"}
        action: reject
        message: no thanks
  - name: parked.example
    status: suspended
`

func TestParseFile(t *testing.T) {
	store, err := ParseFile([]byte(samplePolicyFile))
	require.NoError(t, err)
	ctx := context.Background()

	d, err := store.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "file:example.com", d.ID)
	assert.Equal(t, domain.StatusVerified, d.Status)
	assert.Equal(t, "postmaster@example.com", d.Policies.CatchAllAddress)
	assert.Equal(t, 50, d.Policies.RateLimitPerHour)
	assert.Equal(t, domain.DefaultRateLimitPerDay, d.Policies.RateLimitPerDay, "unset policies keep defaults")
	assert.Equal(t, domain.DefaultMaxMessageSize, d.Policies.MaxMessageSize)
	assert.True(t, d.Policies.RejectUnknownUsers)

	mb, err := store.GetMailbox(ctx, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", mb.LocalPart)
	assert.Equal(t, d.ID, mb.DomainID)
	_, err = store.GetMailbox(ctx, "bob@example.com")
	assert.NoError(t, err)

	alias, err := store.GetAlias(ctx, "sales@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", alias.Target)

	list, err := store.GetDistributionList(ctx, "team@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com", "carol@remote.example"}, list.Members)

	key, err := store.GetActiveDKIMKey(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "mail", key.Selector)
	assert.Equal(t, domain.AlgorithmRSASHA256, key.Algorithm)
	assert.Equal(t, 2026, key.CreatedAt.Year())
	assert.Len(t, store.DKIMKeys()["example.com"], 1)

	rules, err := store.GetRoutingRules(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, domain.ActionReject, rules[0].Actions.Type)
	assert.Equal(t, "*viagra*", rules[0].Conditions.SubjectPattern)
	assert.Equal(t, "no thanks", rules[0].Actions.RejectMessage)

	parked, err := store.GetDomain(ctx, "parked.example")
	require.NoError(t, err)
	assert.False(t, parked.IsActive())
	local, err := IsLocalDomain(ctx, store, "parked.example")
	require.NoError(t, err)
	assert.False(t, local)
}

func TestParseFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "missing name",
			content: "domains:\n  - status: verified\n",
			errMsg:  "has no name",
		},
		{
			name:    "duplicate domain",
			content: "domains:\n  - name: a.example\n  - name: A.example\n",
			errMsg:  "listed twice",
		},
		{
			name:    "unknown status",
			content: "domains:\n  - name: a.example\n    status: gone\n",
			errMsg:  "unknown status",
		},
		{
			name:    "unknown rule action",
			content: "domains:\n  - name: a.example\n    rules:\n      - {name: x, action: explode}\n",
			errMsg:  "unknown action",
		},
		{
			name:    "key without private part",
			content: "domains:\n  - name: a.example\n    dkim_keys:\n      - {selector: mail}\n",
			errMsg:  "needs a selector",
		},
		{
			name:    "malformed yaml",
			content: "domains: [",
			errMsg:  "parse policy file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicyFile), 0o600))

	store, err := LoadFile(path)
	require.NoError(t, err)
	_, err = store.GetDomain(context.Background(), "example.com")
	assert.NoError(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
