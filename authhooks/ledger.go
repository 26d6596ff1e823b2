// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package authhooks

import (
	"context"
	"crypto/subtle"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mochi-core/broker"
)

// RString is a rule value that matches either exactly, or via a single
// trailing '*' wildcard, or unconditionally when empty — ported from the
// ledger pattern the teacher uses for its static auth rules.
type RString string

// Matches reports whether r matches candidate a.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if rr == "" || rr == "*" {
		return true
	}
	if rr == a {
		return true
	}
	if i := indexStar(rr); i > 0 && len(a) >= i && rr[:i] == a[:i] {
		return true
	}
	return false
}

func indexStar(s string) int {
	for i, c := range s {
		if c == '*' {
			return i
		}
	}
	return -1
}

// UserRule grants a static username/password principal three topic-filter
// permission sets; the quota comes from the Ledger.
type UserRule struct {
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Publish   []string `yaml:"publish"`
	Subscribe []string `yaml:"subscribe"`
	Retain    []string `yaml:"retain"`
	Disallow  bool     `yaml:"disallow"`
}

// Ledger is a static, YAML-configured Authenticator: a set of known users,
// each with their own permission filter sets, grounded in the teacher's
// hooks/auth Ledger design but re-scoped to broker.Principal.
type Ledger struct {
	mu    sync.RWMutex
	Users map[string]UserRule `yaml:"users"`
	Quota broker.Quota        `yaml:"-"`
}

// NewLedger parses a YAML document of the form:
//
//	users:
//	  alice:
//	    password: secret
//	    publish: ["sensors/#"]
//	    subscribe: ["sensors/#", "cmd/alice/#"]
func NewLedger(data []byte, quota broker.Quota) (*Ledger, error) {
	l := &Ledger{Quota: quota}
	if len(data) == 0 {
		return l, nil
	}
	if err := yaml.Unmarshal(data, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Update swaps in a new rule set atomically.
func (l *Ledger) Update(users map[string]UserRule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Users = users
}

// Authenticate checks req.Credentials as a "username\x00password" pair
// against the ledger's known users.
func (l *Ledger) Authenticate(_ context.Context, req broker.ConnectionRequest) (string, bool, error) {
	username, password := splitCredentials(req.Credentials)

	l.mu.RLock()
	defer l.mu.RUnlock()

	rule, ok := l.Users[username]
	if !ok || rule.Disallow {
		return "", false, nil
	}
	if subtle.ConstantTimeCompare([]byte(rule.Password), []byte(password)) != 1 {
		return "", false, nil
	}
	return username, true, nil
}

// GetPrincipal resolves a username to the Principal described by its
// UserRule.
func (l *Ledger) GetPrincipal(_ context.Context, principalID string) (broker.Principal, bool) {
	l.mu.RLock()
	rule, ok := l.Users[principalID]
	l.mu.RUnlock()
	if !ok {
		return broker.Principal{}, false
	}

	quota := l.Quota
	if quota == (broker.Quota{}) {
		quota = broker.DefaultQuota()
	}

	return broker.Principal{
		ID:                   principalID,
		Username:             rule.Username,
		Quota:                quota,
		PublishPermissions:   toFilterSet(rule.Publish),
		SubscribePermissions: toFilterSet(rule.Subscribe),
		RetainPermissions:    toFilterSet(rule.Retain),
	}, true
}

func toFilterSet(filters []string) broker.TopicFilterSet {
	tf := make([]broker.TopicFilter, len(filters))
	for i, f := range filters {
		tf[i] = broker.TopicFilter(f)
	}
	return broker.NewTopicFilterSet(tf...)
}

func splitCredentials(credentials []byte) (username, password string) {
	for i, b := range credentials {
		if b == 0 {
			return string(credentials[:i]), string(credentials[i+1:])
		}
	}
	return string(credentials), ""
}
