package protocol

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// buildTLS creates the client TLS configuration for a secure call.
func buildTLS(cfg *RequestConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: !cfg.RejectsUnauthorized(),
		MinVersion:         tls.VersionTLS12,
	}

	if len(cfg.TLS.Cert) > 0 || len(cfg.TLS.Key) > 0 {
		cert, err := tls.X509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("protocol: load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if len(cfg.TLS.CA) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.TLS.CA) {
			return nil, fmt.Errorf("protocol: failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}
