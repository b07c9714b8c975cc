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
	"time"
)

// ServerName is the name the agent's certificate is issued for.
// Clients dial the agent's address but verify the certificate against this name.
const ServerName = "shellagent"

const DefaultCertValidity = 7 * 24 * time.Hour

// KeyPair is a PEM-encoded certificate and its private key.
// The key may be empty when only the certificate is needed, as with a CA on the client side.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Certs is the mTLS material shared by an agent and its clients.
// It contains the secrets used for authz, so handle it carefully.
type Certs struct {
	CA     KeyPair
	Server KeyPair
	Client KeyPair
}

type certConfig struct {
	validity   time.Duration
	hosts      []string
	clientName string
}

type CertOption func(c *certConfig)

// WithCertValidity sets how long the generated certs are valid for.
func WithCertValidity(d time.Duration) CertOption {
	return func(c *certConfig) {
		c.validity = d
	}
}

// WithCertHosts adds DNS names or IP addresses to the server cert, besides ServerName.
func WithCertHosts(hosts ...string) CertOption {
	return func(c *certConfig) {
		c.hosts = append(c.hosts, hosts...)
	}
}

// WithClientName sets the common name of the client cert.
func WithClientName(name string) CertOption {
	return func(c *certConfig) {
		c.clientName = name
	}
}

// GenerateCerts creates a throwaway CA plus a server cert and a client cert signed by it.
func GenerateCerts(opts ...CertOption) (*Certs, error) {
	cfg := certConfig{
		validity:   DefaultCertValidity,
		clientName: ServerName + "-client",
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.validity <= 0 {
		return nil, fmt.Errorf("cert validity must be positive, got %s", cfg.validity)
	}
	if cfg.clientName == "" {
		return nil, errors.New("empty client name")
	}

	// backdated a little so hosts with skewed clocks accept fresh certs
	notBefore := time.Now().Add(-time.Minute).Truncate(time.Second)
	notAfter := notBefore.Add(cfg.validity)

	caCert, caKey, caPair, err := issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: ServerName + " CA"},
		IsCA:                  true,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, nil, nil, notBefore, notAfter)
	if err != nil {
		return nil, fmt.Errorf("issuing CA cert: %w", err)
	}

	serverTmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: ServerName},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range append([]string{ServerName}, cfg.hosts...) {
		if ip := net.ParseIP(h); ip != nil {
			serverTmpl.IPAddresses = append(serverTmpl.IPAddresses, ip)
		} else {
			serverTmpl.DNSNames = append(serverTmpl.DNSNames, h)
		}
	}
	_, _, serverPair, err := issue(serverTmpl, caCert, caKey, notBefore, notAfter)
	if err != nil {
		return nil, fmt.Errorf("issuing server cert: %w", err)
	}

	_, _, clientPair, err := issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: cfg.clientName},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, caCert, caKey, notBefore, notAfter)
	if err != nil {
		return nil, fmt.Errorf("issuing client cert: %w", err)
	}

	return &Certs{CA: caPair, Server: serverPair, Client: clientPair}, nil
}

var serialLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// issue generates a P-256 key and a cert for it from tmpl, signed by parent.
// A nil parent makes the cert self-signed.
func issue(tmpl, parent *x509.Certificate, parentKey crypto.Signer, notBefore, notAfter time.Time) (*x509.Certificate, crypto.Signer, KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, KeyPair{}, fmt.Errorf("generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, nil, KeyPair{}, fmt.Errorf("generating serial number: %w", err)
	}
	tmpl.SerialNumber = serial
	tmpl.NotBefore = notBefore
	tmpl.NotAfter = notAfter
	if parent == nil {
		parent, parentKey = tmpl, key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), parentKey)
	if err != nil {
		return nil, nil, KeyPair{}, fmt.Errorf("creating cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, KeyPair{}, fmt.Errorf("parsing cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, KeyPair{}, fmt.Errorf("marshaling key: %w", err)
	}
	return cert, key, KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// ServerTLSConfig requires TLS 1.3 and a client cert signed by the CA in caPEM.
func ServerTLSConfig(caPEM []byte, server KeyPair) (*tls.Config, error) {
	pool, cert, err := loadKeyPair(caPEM, server)
	if err != nil {
		return nil, fmt.Errorf("loading server certs: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ClientTLSConfig trusts only the CA in caPEM and verifies the agent as ServerName.
func ClientTLSConfig(caPEM []byte, client KeyPair) (*tls.Config, error) {
	pool, cert, err := loadKeyPair(caPEM, client)
	if err != nil {
		return nil, fmt.Errorf("loading client certs: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ServerName:   ServerName,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func loadKeyPair(caPEM []byte, pair KeyPair) (*x509.CertPool, tls.Certificate, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, tls.Certificate{}, errors.New("no CA cert found in PEM")
	}
	cert, err := tls.X509KeyPair(pair.CertPEM, pair.KeyPEM)
	if err != nil {
		return nil, tls.Certificate{}, fmt.Errorf("parsing key pair: %w", err)
	}
	return pool, cert, nil
}
