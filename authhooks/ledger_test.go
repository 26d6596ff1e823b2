// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package authhooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-core/broker"
)

func TestLedgerAuthenticateAndPermissions(t *testing.T) {
	l, err := NewLedger([]byte(`
users:
  alice:
    password: secret
    publish: ["sensors/#"]
    subscribe: ["sensors/#", "cmd/alice/#"]
`), broker.DefaultQuota())
	require.NoError(t, err)

	id, ok, err := l.Authenticate(context.Background(), broker.ConnectionRequest{
		Credentials: []byte("alice\x00secret"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", id)

	principal, ok := l.GetPrincipal(context.Background(), id)
	require.True(t, ok)
	require.Contains(t, principal.PublishPermissions, broker.TopicFilter("sensors/#"))
	require.Contains(t, principal.SubscribePermissions, broker.TopicFilter("cmd/alice/#"))
}

func TestLedgerRejectsBadPassword(t *testing.T) {
	l, err := NewLedger([]byte(`
users:
  alice:
    password: secret
`), broker.DefaultQuota())
	require.NoError(t, err)

	_, ok, err := l.Authenticate(context.Background(), broker.ConnectionRequest{
		Credentials: []byte("alice\x00wrong"),
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerRejectsDisallowedUser(t *testing.T) {
	l, err := NewLedger([]byte(`
users:
  bob:
    password: x
    disallow: true
`), broker.DefaultQuota())
	require.NoError(t, err)

	_, ok, err := l.Authenticate(context.Background(), broker.ConnectionRequest{
		Credentials: []byte("bob\x00x"),
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllowAllGrantsUnrestrictedPermissions(t *testing.T) {
	a := AllowAll{}
	id, ok, err := a.Authenticate(context.Background(), broker.ConnectionRequest{ClientIdentifier: "anyone"})
	require.NoError(t, err)
	require.True(t, ok)

	principal, ok := a.GetPrincipal(context.Background(), id)
	require.True(t, ok)
	require.True(t, principal.Quota.MaxPacketIdentifiers > 0)
	require.Contains(t, principal.PublishPermissions, broker.TopicFilter("#"))
}
