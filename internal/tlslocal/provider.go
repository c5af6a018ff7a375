package tlslocal

import (
	"crypto/tls"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Provider owns the current certificate and replaces it once it leaves its
// validity window. A shell that runs for more than a year keeps serving.
type Provider struct {
	opts   Options
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	current  *Certificate
	onRotate []func(*Certificate)
}

// NewProvider provisions the initial certificate
func NewProvider(opts Options, logger *zap.SugaredLogger) (*Provider, error) {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cert, err := Provision(opts)
	if err != nil {
		return nil, err
	}

	p := &Provider{opts: opts, logger: logger, current: cert}
	p.logProvisioned(cert)
	return p, nil
}

// Current returns the certificate in use, rotating first if it expired
func (p *Provider) Current() (*Certificate, error) {
	now := p.opts.Now()

	p.mu.RLock()
	cert := p.current
	p.mu.RUnlock()
	if cert.ValidAt(now) {
		return cert, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current.ValidAt(now) {
		return p.current, nil
	}

	p.logger.Infow("Certificate outside validity window, regenerating",
		"not_before", p.current.Leaf.NotBefore,
		"not_after", p.current.Leaf.NotAfter)
	fresh, err := Provision(p.opts)
	if err != nil {
		p.logger.Errorw("Certificate regeneration failed", "error", err)
		return nil, err
	}
	p.current = fresh
	p.logProvisioned(fresh)
	for _, fn := range p.onRotate {
		fn(fresh)
	}
	return fresh, nil
}

// OnRotate registers a callback invoked with each regenerated certificate.
// Renderers that pin the certificate use it to refresh their pin.
func (p *Provider) OnRotate(fn func(*Certificate)) {
	p.mu.Lock()
	p.onRotate = append(p.onRotate, fn)
	p.mu.Unlock()
}

// GetCertificate satisfies tls.Config.GetCertificate
func (p *Provider) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := p.Current()
	if err != nil {
		return nil, err
	}
	tc := cert.TLSCertificate()
	return &tc, nil
}

// TLSConfig returns a server configuration backed by the provider
func (p *Provider) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: p.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

// ClientTLSConfig trusts exactly the current certificate, for in-process clients
func (p *Provider) ClientTLSConfig() (*tls.Config, error) {
	cert, err := p.Current()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    cert.CertPool(),
		ServerName: p.opts.Host,
	}, nil
}

// Pin returns the DER of the certificate currently served
func (p *Provider) Pin() ([]byte, error) {
	cert, err := p.Current()
	if err != nil {
		return nil, err
	}
	return cert.DER, nil
}

func (p *Provider) logProvisioned(cert *Certificate) {
	p.logger.Infow("Provisioned self-signed certificate",
		"host", p.opts.Host,
		"serial", cert.Leaf.SerialNumber.String(),
		"not_before", cert.Leaf.NotBefore.Format(time.RFC3339),
		"not_after", cert.Leaf.NotAfter.Format(time.RFC3339),
		"sha256", cert.Fingerprint())
}
