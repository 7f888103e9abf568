// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
)

var (
	errTLSdetails  = errors.New("failed to get TLS details of connection")
	errLoadCerts   = errors.New("failed to load certificates")
	errLoadTrust   = errors.New("failed to load trust file")
	errAppendCA    = errors.New("failed to append trusted certificates")
	errMissingCert = errors.New("cert and key must be set together")
)

// Config names the server certificate, its key and an optional trust
// bundle. With a trust bundle the server requires and verifies client
// certificates.
type Config struct {
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
	TrustFile string `yaml:"trust_file"`
}

// Enabled reports whether c describes a TLS listener.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Load returns a server TLS configuration, or nil when c names no
// certificate.
func Load(c Config) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errMissingCert
	}

	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
		Certificates: []tls.Certificate{certificate},
	}

	if c.TrustFile != "" {
		trust, err := os.ReadFile(c.TrustFile)
		if err != nil {
			return nil, errors.Join(errLoadTrust, err)
		}
		config.ClientCAs = x509.NewCertPool()
		if !config.ClientCAs.AppendCertsFromPEM(trust) {
			return nil, errAppendCA
		}
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return config, nil
}

// ClientCert returns the verified client certificate of conn, completing
// the handshake if needed. Plain connections and TLS peers without a
// certificate yield a zero certificate.
func ClientCert(conn net.Conn) (x509.Certificate, error) {
	switch connVal := conn.(type) {
	case *tls.Conn:
		if err := connVal.Handshake(); err != nil {
			return x509.Certificate{}, err
		}
		state := connVal.ConnectionState()
		if state.Version == 0 {
			return x509.Certificate{}, errTLSdetails
		}
		if len(state.PeerCertificates) == 0 {
			return x509.Certificate{}, nil
		}
		return *state.PeerCertificates[0], nil
	default:
		return x509.Certificate{}, nil
	}
}

// SecurityStatus returns a log message describing c.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	if c.ClientCAs != nil {
		ret += " and " + c.ClientAuth.String()
	}
	return ret
}
