package agent

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const certValidity = 7 * 24 * time.Hour

// Certs contains a CA, a server cert, and one client cert per user, for running the agent with mTLS.
// Client certs carry the username as their common name and the user's groups as organizational units,
// which is what CertAuthenticator reads back.
// This contains the secrets necessary for authn, so handle carefully.
type Certs struct {
	CA      Cert
	Server  Cert
	Clients map[string]Cert
}

// Cert is a PEM-encoded certificate and its private key.
type Cert struct {
	X509Cert *x509.Certificate
	CertPEM  []byte
	KeyPEM   []byte

	key crypto.Signer
}

func certPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}
	return pool, nil
}

// ClientTLSConfig builds a config for a client that trusts the CA and presents the given cert.
func ClientTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ServerTLSConfig builds a server config that requires clients to present a cert signed by the CA.
func ServerTLSConfig(caCertPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool, err := certPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ServerTLSConfigFromFiles is ServerTLSConfig for PEM files on disk.
func ServerTLSConfigFromFiles(caCertFile, certFile, keyFile string) (*tls.Config, error) {
	var pems [3][]byte
	for i, f := range []string{caCertFile, certFile, keyFile} {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", f, err)
		}
		pems[i] = b
	}
	return ServerTLSConfig(pems[0], pems[1], pems[2])
}

// issue creates a cert from template signed by parent, or a self-signed one if parent is nil.
func issue(template *x509.Certificate, parent *Cert) (Cert, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Cert{}, fmt.Errorf("getting random serial number: %w", err)
	}
	template.SerialNumber = serial
	template.NotBefore = time.Now().Add(-time.Minute)
	template.NotAfter = time.Now().Add(certValidity)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating key: %w", err)
	}

	signerCert, signerKey := template, crypto.Signer(key)
	if parent != nil {
		signerCert, signerKey = parent.X509Cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, key.Public(), signerKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating cert: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return Cert{}, fmt.Errorf("parsing created cert: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return Cert{
		X509Cert: parsed,
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		key:      key,
	}, nil
}

// GenerateCerts generates a throwaway CA, a server cert valid for serverName and the loopback addresses,
// and a client cert per user.
func GenerateCerts(serverName string, users ...User) (*Certs, error) {
	ca, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "procagent CA"},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	server, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: serverName},
		DNSNames:    []string{serverName, "localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, &ca)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	certs := &Certs{CA: ca, Server: server, Clients: map[string]Cert{}}
	for _, u := range users {
		client, err := issue(&x509.Certificate{
			Subject:     pkix.Name{CommonName: u.Name, OrganizationalUnit: u.Groups},
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}, &ca)
		if err != nil {
			return nil, fmt.Errorf("building client cert for %q: %w", u.Name, err)
		}
		certs.Clients[u.Name] = client
	}
	return certs, nil
}

// WriteFiles writes ca.pem, server.pem, server-key.pem, and <user>.pem and <user>-key.pem per client into dir.
// The CA key is not written, so no more certs can be issued from it.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %q: %w", dir, err)
	}
	files := map[string][]byte{
		"ca.pem":         c.CA.CertPEM,
		"server.pem":     c.Server.CertPEM,
		"server-key.pem": c.Server.KeyPEM,
	}
	for name, cert := range c.Clients {
		files[name+".pem"] = cert.CertPEM
		files[name+"-key.pem"] = cert.KeyPEM
	}
	for name, b := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, b, 0o600); err != nil {
			return fmt.Errorf("writing %q: %w", path, err)
		}
	}
	return nil
}
