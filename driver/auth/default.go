// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
)

const defaultAuthDB = "admin"

// sourceExternal is the authentication source for mechanisms that
// authenticate outside MongoDB, such as X.509, PLAIN, and GSSAPI.
const sourceExternal = "$external"

func newDefaultAuthenticator(cred *Cred) (Authenticator, error) {
	scram, err := newScramSHA256Authenticator(cred)
	if err != nil {
		return nil, newAuthError("failed to create internal authenticator", err)
	}
	speculative, ok := scram.(SpeculativeAuthenticator)
	if !ok {
		return nil, newAuthError("expected SCRAM authenticator to be speculative", nil)
	}

	return &DefaultAuthenticator{
		Cred:                     cred,
		speculativeAuthenticator: speculative,
	}, nil
}

// DefaultAuthenticator uses SCRAM-SHA-256 or SCRAM-SHA-1 depending on the
// mechanisms the server advertised for the user in the handshake.
type DefaultAuthenticator struct {
	Cred *Cred

	// The authenticator to use for speculative authentication. Because the
	// correct auth mechanism is unknown when doing the initial hello, we
	// opt to use SCRAM-SHA-256.
	speculativeAuthenticator SpeculativeAuthenticator
}

var _ SpeculativeAuthenticator = (*DefaultAuthenticator)(nil)

// CreateSpeculativeConversation creates a speculative conversation for SCRAM
// authentication.
func (a *DefaultAuthenticator) CreateSpeculativeConversation() (SpeculativeConversation, error) {
	return a.speculativeAuthenticator.CreateSpeculativeConversation()
}

// Auth authenticates the connection.
func (a *DefaultAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	var actual Authenticator
	var err error

	switch chooseAuthMechanism(cfg) {
	case SCRAMSHA256:
		actual, err = newScramSHA256Authenticator(a.Cred)
	default:
		actual, err = newScramSHA1Authenticator(a.Cred)
	}

	if err != nil {
		return newAuthError("error creating authenticator", err)
	}

	return actual.Auth(ctx, cfg)
}

// chooseAuthMechanism chooses a SCRAM mechanism based on the SASL mechanisms
// the server advertised for the user during the handshake. If the server
// did not advertise any, SCRAM-SHA-1 is chosen.
func chooseAuthMechanism(cfg *Config) string {
	for _, mech := range cfg.HandshakeInfo.SaslSupportedMechs {
		if mech == SCRAMSHA256 {
			return SCRAMSHA256
		}
	}

	return SCRAMSHA1
}
