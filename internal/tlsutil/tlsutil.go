// Package tlsutil builds the *tls.Config rcpxd's listener wraps around when
// tls.enabled is set, per the transport-layer TLS option in the network
// configuration. There is no third-party certificate-loading library in the
// pack; crypto/tls's LoadX509KeyPair and x509.CertPool are the idiomatic,
// and only, way to do this (see DESIGN.md).
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerConfig loads a server certificate/key pair and, when clientCAPath is
// set, configures client-certificate verification. requireClientCert
// upgrades that to tls.RequireAndVerifyClientCert; otherwise a client CA
// pool enables verification without mandating a client certificate.
func ServerConfig(certPath, keyPath, clientCAPath string, requireClientCert bool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if clientCAPath != "" {
		raw, err := os.ReadFile(clientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(raw) {
			return nil, fmt.Errorf("no certificates parsed from client ca file %s", clientCAPath)
		}
		cfg.ClientCAs = pool
		if requireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	} else if requireClientCert {
		return nil, fmt.Errorf("tls.require_client_cert set without tls.client_ca_path")
	}

	return cfg, nil
}
