package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// =============================================================================
// TLS CONFIGURATION
// =============================================================================
//
// One TLSConfig serves both listeners: the HTTP server wraps its listener
// with it and the gRPC server turns it into transport credentials.
//
// MinVersion never drops below TLS 1.2.
//
// =============================================================================

// ErrNoCertificate is returned when TLS is enabled without a certificate
// source.
var ErrNoCertificate = errors.New("TLS enabled but no certificate provided")

// TLSConfig describes the server side of TLS.
type TLSConfig struct {
	Enabled bool

	// CertFile and KeyFile are PEM files for the server certificate.
	CertFile string
	KeyFile  string

	// CAFile, when set, is the pool client certificates are verified against.
	CAFile string

	// ClientAuth is one of none, request, require, verify, require-verify.
	ClientAuth string

	// MinVersion is "1.2" or "1.3".
	MinVersion string

	// SelfSigned generates an in-memory certificate for localhost when no
	// files are given. Development only.
	SelfSigned bool
}

// ServerTLS builds the *tls.Config. It returns nil, nil when TLS is off.
func (c TLSConfig) ServerTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	clientAuth, err := parseClientAuth(c.ClientAuth)
	if err != nil {
		return nil, err
	}
	minVersion, err := parseMinVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	var cert tls.Certificate
	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
	case c.SelfSigned:
		cert, err = SelfSignedCertificate("localhost")
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
	default:
		return nil, ErrNoCertificate
	}

	cfg := &tls.Config{
		MinVersion:   minVersion,
		ClientAuth:   clientAuth,
		Certificates: []tls.Certificate{cert},
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA cert %s", c.CAFile)
		}
		cfg.ClientCAs = pool
	}

	return cfg, nil
}

// SelfSignedCertificate creates an ECDSA P-256 certificate valid for one
// year for the given DNS names plus the loopback addresses.
func SelfSignedCertificate(hosts ...string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"secwheel development"}, CommonName: "secwheel"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              hosts,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func parseClientAuth(s string) (tls.ClientAuthType, error) {
	switch s {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAnyClientCert, nil
	case "verify":
		return tls.VerifyClientCertIfGiven, nil
	case "require-verify":
		return tls.RequireAndVerifyClientCert, nil
	}
	return tls.NoClientCert, fmt.Errorf("unknown client_auth %q", s)
}

func parseMinVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unknown min_version %q (want 1.2 or 1.3)", s)
}
