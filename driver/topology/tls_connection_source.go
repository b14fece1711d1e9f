// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/youmark/pkcs8"

	"github.com/mongocore/driver/address"
)

type tlsConn interface {
	net.Conn

	// Require methods with the same name and signature as tls.Conn's
	// handshake and state accessors.
	HandshakeContext(ctx context.Context) error
	ConnectionState() tls.ConnectionState
}

var _ tlsConn = (*tls.Conn)(nil)

type tlsConnectionSource interface {
	Client(net.Conn, *tls.Config) tlsConn
}

type tlsConnectionSourceFn func(net.Conn, *tls.Config) tlsConn

var _ tlsConnectionSource = (tlsConnectionSourceFn)(nil)

func (t tlsConnectionSourceFn) Client(nc net.Conn, cfg *tls.Config) tlsConn {
	return t(nc, cfg)
}

var defaultTLSConnectionSource tlsConnectionSource = tlsConnectionSourceFn(func(nc net.Conn, cfg *tls.Config) tlsConn {
	return tls.Client(nc, cfg)
})

// configureTLS handles the TLS handshake for a connection. After the
// handshake, the leaf certificate status is verified via OCSP unless
// verification was disabled.
func configureTLS(ctx context.Context,
	tlsConnSource tlsConnectionSource,
	nc net.Conn,
	addr address.Address,
	config *tls.Config,
	ocspOpts *ocspVerificationOptions,
) (net.Conn, error) {
	// Ensure config.ServerName is always set for SNI.
	if config.ServerName == "" {
		hostname := addr.String()
		colonPos := strings.LastIndex(hostname, ":")
		if colonPos == -1 {
			colonPos = len(hostname)
		}

		hostname = hostname[:colonPos]
		config.ServerName = hostname
	}

	client := tlsConnSource.Client(nc, config)
	if err := client.HandshakeContext(ctx); err != nil {
		return nil, err
	}

	// Only do OCSP verification if TLS verification is requested.
	if !config.InsecureSkipVerify {
		if ocspErr := verifyOCSP(client.ConnectionState(), ocspOpts); ocspErr != nil {
			return nil, ocspErr
		}
	}
	return client, nil
}

// LoadClientCertificate parses a PEM-encoded payload containing both a client
// certificate and its private key, decrypting the key with keyPassword when
// it is encrypted with the PKCS#8 (PKCS#5 v2.0) scheme.
func LoadClientCertificate(data []byte, keyPassword string) (tls.Certificate, error) {
	var certPEM, keyPEM []byte

	for remaining := data; ; {
		block, rest := pem.Decode(remaining)
		if block == nil {
			break
		}
		remaining = rest

		switch {
		case block.Type == "CERTIFICATE":
			var buf bytes.Buffer
			if err := pem.Encode(&buf, block); err != nil {
				return tls.Certificate{}, err
			}
			certPEM = append(certPEM, buf.Bytes()...)
		case block.Type == "ENCRYPTED PRIVATE KEY":
			if keyPassword == "" {
				return tls.Certificate{}, errors.New("no password provided to decrypt private key")
			}
			decrypted, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(keyPassword))
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("error decrypting private key: %w", err)
			}
			keyBytes, err := x509.MarshalPKCS8PrivateKey(decrypted)
			if err != nil {
				return tls.Certificate{}, err
			}
			var buf bytes.Buffer
			if err := pem.Encode(&buf, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
				return tls.Certificate{}, fmt.Errorf("error encoding private key as PEM: %w", err)
			}
			keyPEM = append(keyPEM, buf.Bytes()...)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			if len(block.Headers) != 0 {
				// RFC 1423 encrypted keys carry DEK-Info headers.
				return tls.Certificate{}, errors.New("legacy RFC 1423 encrypted private keys are not supported")
			}
			var buf bytes.Buffer
			if err := pem.Encode(&buf, block); err != nil {
				return tls.Certificate{}, err
			}
			keyPEM = append(keyPEM, buf.Bytes()...)
		}
	}

	if len(certPEM) == 0 {
		return tls.Certificate{}, errors.New("failed to find CERTIFICATE block in client certificate file")
	}
	if len(keyPEM) == 0 {
		return tls.Certificate{}, errors.New("failed to find PRIVATE KEY block in client certificate file")
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}
