// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import "context"

// ConnectionRequest describes an inbound connection attempt, decoded by the
// (out-of-scope) transport/codec layer and handed to the broker.
type ConnectionRequest struct {
	ClientIdentifier string
	CleanSession     bool
	Secure           bool
	Credentials      []byte
	CertificateChain [][]byte
	HTTPHeaders      map[string][]string
	RemoteAddress    string
}

// Authenticator is the external collaborator described in spec.md §6: the
// core calls it to turn a ConnectionRequest into a Principal, but does not
// implement authentication itself.
type Authenticator interface {
	// Authenticate returns the principal id for request, or ok=false if the
	// request has no valid principal. An error indicates the authenticator
	// itself failed (surfaced to the client as ServerUnavailable).
	Authenticate(ctx context.Context, request ConnectionRequest) (principalID string, ok bool, err error)

	// GetPrincipal resolves a principal id to its Principal, or ok=false if
	// none exists.
	GetPrincipal(ctx context.Context, principalID string) (principal Principal, ok bool)
}
