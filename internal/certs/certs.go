// Package certs provisions the self-signed certificate material the server
// needs for encrypted transport without an external authority.
package certs

import (
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

	"github.com/vivarium-lab/vivarium/internal/clock"
	"github.com/vivarium-lab/vivarium/internal/logger"
)

const (
	defaultValidity    = 2 * 365 * 24 * time.Hour
	defaultRenewWindow = 30 * 24 * time.Hour
)

// Bundle describes the certificate/key pair on disk.
type Bundle struct {
	CertPath  string    `json:"cert_path"`
	KeyPath   string    `json:"key_path"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authority is the narrow certificate-generation capability, fakeable in
// tests.
type Authority interface {
	Generate(subject string, hosts []string, validity time.Duration) (certPEM, keyPEM []byte, err error)
}

// SelfSigned generates a self-signed ECDSA P-256 server certificate.
type SelfSigned struct{}

// Generate builds a certificate for subject, valid for localhost plus the
// given hosts. Each host is added as an IP or DNS SAN as appropriate.
func (SelfSigned) Generate(subject string, hosts []string, validity time.Duration) ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("certs: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"vivarium"},
			CommonName:   subject,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" && h != "localhost" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("certs: marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// Config controls certificate provisioning.
type Config struct {
	CertPath string
	KeyPath  string
	// Subject is the certificate common name. Defaults to "vivarium.local".
	Subject string
	// Hosts are additional SANs beyond localhost.
	Hosts []string
	// Validity of a freshly generated certificate.
	Validity time.Duration
	// RenewWindow regenerates a pair this close to expiry.
	RenewWindow time.Duration
}

// Provisioner ensures a valid certificate/key pair exists on disk.
type Provisioner struct {
	cfg       Config
	authority Authority
	clk       clock.Clock
	log       logger.Logger
}

// NewProvisioner builds a Provisioner; authority defaults to SelfSigned.
func NewProvisioner(cfg Config, authority Authority, clk clock.Clock, log logger.Logger) (*Provisioner, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return nil, errors.New("certs: cert and key paths are required")
	}
	if cfg.Subject == "" {
		cfg.Subject = "vivarium.local"
	}
	if cfg.Validity <= 0 {
		cfg.Validity = defaultValidity
	}
	if cfg.RenewWindow <= 0 {
		cfg.RenewWindow = defaultRenewWindow
	}
	if authority == nil {
		authority = SelfSigned{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.Global()
	}
	return &Provisioner{cfg: cfg, authority: authority, clk: clk, log: log}, nil
}

// Ensure returns the existing bundle when the pair on disk is loadable and
// outside the renewal window; otherwise it generates a new pair and replaces
// both files atomically. Repeat calls against a valid pair perform no disk
// writes.
func (p *Provisioner) Ensure() (Bundle, error) {
	if _, statErr := os.Stat(p.cfg.CertPath); statErr == nil {
		b, err := p.load()
		if err == nil {
			return b, nil
		}
		p.log.Warn("existing certificate unusable, regenerating", "error", err)
	}

	certPEM, keyPEM, err := p.authority.Generate(p.cfg.Subject, p.cfg.Hosts, p.cfg.Validity)
	if err != nil {
		return Bundle{}, fmt.Errorf("certs: generate: %w", err)
	}

	if err := writeFileAtomic(p.cfg.KeyPath, keyPEM, 0600); err != nil {
		return Bundle{}, fmt.Errorf("certs: write key: %w", err)
	}
	if err := writeFileAtomic(p.cfg.CertPath, certPEM, 0644); err != nil {
		return Bundle{}, fmt.Errorf("certs: write cert: %w", err)
	}

	// The fresh pair is trusted by construction; parse it directly instead
	// of re-running the renewal-window check.
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return Bundle{}, errors.New("certs: generated certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Bundle{}, fmt.Errorf("certs: parse generated certificate: %w", err)
	}

	b := Bundle{
		CertPath:  p.cfg.CertPath,
		KeyPath:   p.cfg.KeyPath,
		CreatedAt: cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	}
	p.log.Info("generated self-signed certificate",
		"cert", b.CertPath, "expires_at", b.ExpiresAt)
	return b, nil
}

// load parses the pair on disk and rejects an expired or near-expiry
// certificate.
func (p *Provisioner) load() (Bundle, error) {
	if _, err := tls.LoadX509KeyPair(p.cfg.CertPath, p.cfg.KeyPath); err != nil {
		return Bundle{}, fmt.Errorf("load key pair: %w", err)
	}

	data, err := os.ReadFile(p.cfg.CertPath)
	if err != nil {
		return Bundle{}, fmt.Errorf("read cert: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return Bundle{}, errors.New("cert file is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Bundle{}, fmt.Errorf("parse cert: %w", err)
	}

	now := p.clk.Now()
	if now.After(cert.NotAfter.Add(-p.cfg.RenewWindow)) {
		return Bundle{}, fmt.Errorf("certificate expires %s, inside renewal window", cert.NotAfter)
	}

	return Bundle{
		CertPath:  p.cfg.CertPath,
		KeyPath:   p.cfg.KeyPath,
		CreatedAt: cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	}, nil
}

// writeFileAtomic writes data through a temp file that is fsynced and
// renamed so a crash never leaves a half-written key or certificate.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
