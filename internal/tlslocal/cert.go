// Package tlslocal provisions the in-memory self-signed certificate the
// loopback server presents to the renderer. Nothing is written to disk.
package tlslocal

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync/atomic"
	"time"
)

// ErrProvisioning wraps every failure to produce a certificate. Startup treats it as fatal.
var ErrProvisioning = errors.New("certificate provisioning failed")

const (
	DefaultHost    = "localhost"
	DefaultKeyBits = 2048
	minKeyBits     = 2048
)

// serials are unique and increasing within a process
var serialCounter atomic.Int64

func init() {
	serialCounter.Store(time.Now().Unix())
}

// Options controls certificate generation
type Options struct {
	Host         string // subject and issuer CN, defaults to localhost
	Organization string
	KeyBits      int
	Now          func() time.Time
}

func (o *Options) defaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.KeyBits == 0 {
		o.KeyBits = DefaultKeyBits
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Certificate is a self-signed key pair valid for one year from issue
type Certificate struct {
	Leaf *x509.Certificate
	DER  []byte
	key  *rsa.PrivateKey
}

// Provision generates a fresh self-signed certificate for opts.Host
// covering localhost, 127.0.0.1 and ::1.
func Provision(opts Options) (*Certificate, error) {
	opts.defaults()
	if opts.KeyBits < minKeyBits {
		return nil, fmt.Errorf("%w: key size %d below %d bits", ErrProvisioning, opts.KeyBits, minKeyBits)
	}

	key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrProvisioning, err)
	}

	// x509 stores whole seconds; truncating keeps the window exactly one year
	notBefore := opts.Now().UTC().Truncate(time.Second)
	notAfter := notBefore.AddDate(1, 0, 0)

	subject := pkix.Name{CommonName: opts.Host}
	if opts.Organization != "" {
		subject.Organization = []string{opts.Organization}
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serialCounter.Add(1)),
		Subject:               subject,
		Issuer:                subject,
		DNSNames:              dnsNames(opts.Host),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign certificate: %v", ErrProvisioning, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", ErrProvisioning, err)
	}

	return &Certificate{Leaf: leaf, DER: der, key: key}, nil
}

func dnsNames(host string) []string {
	if host == DefaultHost || net.ParseIP(host) != nil {
		return []string{DefaultHost}
	}
	return []string{host, DefaultHost}
}

// ValidAt reports whether t falls in [NotBefore, NotAfter)
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.Leaf.NotBefore) && t.Before(c.Leaf.NotAfter)
}

// TLSCertificate returns the pair in the form crypto/tls serves
func (c *Certificate) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.DER},
		PrivateKey:  c.key,
		Leaf:        c.Leaf,
	}
}

// Fingerprint is the hex SHA-256 of the DER certificate
func (c *Certificate) Fingerprint() string {
	sum := sha256.Sum256(c.DER)
	return hex.EncodeToString(sum[:])
}

// SPKIFingerprint is the base64 SHA-256 of the public key info, the form
// Chromium accepts for pinning a self-signed certificate
func (c *Certificate) SPKIFingerprint() string {
	sum := sha256.Sum256(c.Leaf.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// PEM encodes the certificate (never the key) for renderers that pin by PEM
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.DER})
}

// CertPool returns a pool trusting only this certificate
func (c *Certificate) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.Leaf)
	return pool
}
