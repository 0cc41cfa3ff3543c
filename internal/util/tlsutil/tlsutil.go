/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tlsutil builds server TLS configurations from certificate files.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	ErrInvalidClientAuth = errors.New("invalid clientAuth value")
	ErrMissingFile       = errors.New("missing TLS file")
	ErrLoadCert          = errors.New("failed to load certificate")
	ErrLoadCA            = errors.New("failed to load CA")
)

// Client authentication policies.
const (
	ClientAuthNone    = "none"
	ClientAuthRequest = "request"
	ClientAuthRequire = "require"
)

// Config describes the TLS setup of a listener.
type Config struct {
	Enabled bool `json:"enabled"`
	// ClientAuth is one of "none" (default), "request" or "require".
	ClientAuth string `json:"clientAuth,omitempty"`
	CertPath   string `json:"certPath,omitempty"`
	KeyPath    string `json:"keyPath,omitempty"`
	// CAPath holds the CAs trusted for client certificates. Required unless ClientAuth is none.
	CAPath string `json:"caPath,omitempty"`
}

// Validate checks the policy and that every file the policy needs is named.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	auth, err := parseClientAuth(c.ClientAuth)
	if err != nil {
		return err
	}

	var errs []error
	if c.CertPath == "" {
		errs = append(errs, errors.Join(errors.New("certPath"), ErrMissingFile))
	}

	if c.KeyPath == "" {
		errs = append(errs, errors.Join(errors.New("keyPath"), ErrMissingFile))
	}

	if auth != tls.NoClientCert && c.CAPath == "" {
		errs = append(errs, errors.Join(errors.New("caPath"), ErrMissingFile))
	}

	return errors.Join(errs...)
}

// Build returns the tls.Config described by c, or nil when TLS is disabled.
func Build(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil //nolint:nilnil
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	auth, _ := parseClientAuth(c.ClientAuth)

	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, errors.Join(err, ErrLoadCert)
	}

	out := &tls.Config{ //nolint:exhaustruct
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   auth,
	}

	if auth != tls.NoClientCert {
		b, err := os.ReadFile(c.CAPath)
		if err != nil {
			return nil, errors.Join(err, ErrLoadCA)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b) {
			return nil, errors.Join(fmt.Errorf("no certificate found in %s", c.CAPath), ErrLoadCA)
		}

		out.ClientCAs = pool
	}

	return out, nil
}

func parseClientAuth(s string) (tls.ClientAuthType, error) {
	switch s {
	case "", ClientAuthNone:
		return tls.NoClientCert, nil
	case ClientAuthRequest:
		return tls.VerifyClientCertIfGiven, nil
	case ClientAuthRequire:
		return tls.RequireAndVerifyClientCert, nil
	default:
		return 0, errors.Join(fmt.Errorf("clientAuth=%q", s), ErrInvalidClientAuth)
	}
}
