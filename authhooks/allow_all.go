// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package authhooks provides ready-made broker.Authenticator
// implementations: an allow-all authenticator for development, and a
// YAML-configured ledger for static deployments.
package authhooks

import (
	"context"

	"github.com/mochi-core/broker"
)

// AllowAll is an Authenticator that accepts every connection and grants
// every principal unrestricted publish/subscribe/retain permissions. It
// exists for local development and tests, matching the teacher's
// allow-all hook.
type AllowAll struct {
	Quota broker.Quota
}

// Authenticate always succeeds, using the connecting client identifier as
// the principal id.
func (a AllowAll) Authenticate(_ context.Context, req broker.ConnectionRequest) (string, bool, error) {
	return req.ClientIdentifier, true, nil
}

// GetPrincipal returns an unrestricted Principal for any principal id.
func (a AllowAll) GetPrincipal(_ context.Context, principalID string) (broker.Principal, bool) {
	quota := a.Quota
	if quota == (broker.Quota{}) {
		quota = broker.DefaultQuota()
	}
	return broker.Principal{
		ID:                   principalID,
		Quota:                quota,
		PublishPermissions:   broker.NewTopicFilterSet("#"),
		SubscribePermissions: broker.NewTopicFilterSet("#"),
		RetainPermissions:    broker.NewTopicFilterSet("#"),
	}, true
}
