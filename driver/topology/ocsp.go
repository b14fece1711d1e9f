// Copyright (C) MongoDB, Inc. 2020-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"crypto/tls"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"
)

// ocspVerificationOptions configures the OCSP check run after a TLS
// handshake.
type ocspVerificationOptions struct {
	disableEndpointChecking bool
}

// verifyOCSP checks the revocation status of the peer's leaf certificate
// using the stapled OCSP response, if one was provided. Verification is
// soft-fail: a missing staple does not fail the connection, only a staple
// that reports the certificate as revoked does.
func verifyOCSP(connState tls.ConnectionState, opts *ocspVerificationOptions) error {
	if opts == nil {
		opts = &ocspVerificationOptions{}
	}
	if opts.disableEndpointChecking {
		return nil
	}
	if len(connState.VerifiedChains) == 0 || len(connState.VerifiedChains[0]) < 2 {
		// Self-signed or unverified chains carry no issuer to check against.
		return nil
	}
	if len(connState.OCSPResponse) == 0 {
		// No stapled response; soft-fail.
		return nil
	}

	chain := connState.VerifiedChains[0]
	leaf, issuer := chain[0], chain[1]

	parsed, err := ocsp.ParseResponseForCert(connState.OCSPResponse, leaf, issuer)
	if err != nil {
		// A malformed staple is treated like a missing one.
		return nil
	}

	if err := validateOCSPResponse(parsed); err != nil {
		return err
	}
	return nil
}

func validateOCSPResponse(res *ocsp.Response) error {
	now := time.Now()
	if !res.NextUpdate.IsZero() && res.NextUpdate.Before(now) {
		// An expired response is treated like a missing one.
		return nil
	}
	if res.Status == ocsp.Revoked {
		return fmt.Errorf("certificate is revoked since %s", res.RevokedAt)
	}
	return nil
}
