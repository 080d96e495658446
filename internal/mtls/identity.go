// Package mtls generates self-signed certificate authorities and leaf
// identities entirely in memory, and builds the TLS server/client configs
// the sandbox bootstrap protocol needs to mutually authenticate the host
// and its containerized tool server.
package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/nexuscore/autopilot/internal/errs"
)

// validity is generous on purpose: identities live for the lifetime of one
// sandbox container, not across restarts.
const validity = 24 * time.Hour

// Identity is a self-signed CA paired with a leaf certificate it issued for
// itself, held entirely in memory. Its private key is never serialized.
type Identity struct {
	caCert     *x509.Certificate
	caKey      *ecdsa.PrivateKey
	leafCert   *x509.Certificate
	leafKey    *ecdsa.PrivateKey
	commonName string
}

func generate(commonName string) (*Identity, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &errs.TransportError{Op: "mtls.generate_ca_key", Err: err}
	}
	caSerial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          caSerial,
		Subject:               pkix.Name{CommonName: commonName + "-ca"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, &errs.TransportError{Op: "mtls.create_ca_cert", Err: err}
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, &errs.TransportError{Op: "mtls.parse_ca_cert", Err: err}
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &errs.TransportError{Op: "mtls.generate_leaf_key", Err: err}
	}
	leafSerial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: leafSerial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, &errs.TransportError{Op: "mtls.create_leaf_cert", Err: err}
	}
	leafCert, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, &errs.TransportError{Op: "mtls.parse_leaf_cert", Err: err}
	}

	return &Identity{
		caCert:     caCert,
		caKey:      caKey,
		leafCert:   leafCert,
		leafKey:    leafKey,
		commonName: commonName,
	}, nil
}

// GenerateHost returns a fresh in-memory identity for the host side of the
// sandbox bootstrap (spec 4.A "generate_client").
func GenerateHost() (*Identity, error) {
	return generate("nexus-host")
}

// GenerateContainer returns a fresh in-memory identity for the containerized
// tool server side (spec 4.A "generate_server").
func GenerateContainer() (*Identity, error) {
	return generate("nexus-sandbox")
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, &errs.TransportError{Op: "mtls.random_serial", Err: err}
	}
	return serial, nil
}

// CACertPEM returns the identity's CA certificate as a PEM block, safe to
// pass over an environment variable or stdout. It never contains a private
// key.
func (id *Identity) CACertPEM() string {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: id.caCert.Raw}
	return string(pem.EncodeToMemory(block))
}

func (id *Identity) leafTLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.leafCert.Raw, id.caCert.Raw},
		PrivateKey:  id.leafKey,
	}
}

// ServerConfig builds a TLS server config presenting this identity's leaf
// certificate and requiring client certificates signed by trustedClientCAPEM.
func ServerConfig(id *Identity, trustedClientCAPEM string) (*tls.Config, error) {
	pool, err := poolFromPEM(trustedClientCAPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{id.leafTLSCertificate()},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig builds a TLS client config authenticating with this
// identity's leaf certificate and trusting trustedServerCAPEM.
func ClientConfig(id *Identity, trustedServerCAPEM string) (*tls.Config, error) {
	pool, err := poolFromPEM(trustedServerCAPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{id.leafTLSCertificate()},
		RootCAs:      pool,
		ServerName:   "localhost",
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func poolFromPEM(certPEM string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(certPEM)) {
		return nil, &errs.ValidationError{Field: "ca_pem", Msg: "no certificates found in PEM block"}
	}
	return pool, nil
}

// String renders an identifying label, useful in logs; never includes key
// material.
func (id *Identity) String() string {
	return fmt.Sprintf("identity(cn=%s, serial=%s)", id.commonName, id.leafCert.SerialNumber.String())
}
