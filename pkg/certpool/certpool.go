// Package certpool implements the MITM certificate pool (C14): lazy
// per-host leaf certificate issuance, signed by a root loaded from a
// PKCS#12 bundle, cached under a reader/writer lock with single-flight
// generation so concurrent lookups for the same host never double-issue.
package certpool

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/WhileEndless/go-tunnelproxy/pkg/errors"
	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
	"software.sslmate.com/src/go-pkcs12"
)

// leafValidity is the lifetime given to every generated leaf certificate,
// per spec.md §4.12.
const leafValidity = 365 * 24 * time.Hour

// leafKeyBits is the RSA key size used for generated leaves.
const leafKeyBits = 2048

// Pool issues and caches per-host leaf certificates signed by a root
// certificate/key pair, satisfying proxyio.CertificatePool.
//
// Reads (cache hits) take the shared lock; generation and eviction take
// the exclusive lock. A host whose generation is already in flight waits
// on that generation rather than starting a second one.
type Pool struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	mu       sync.RWMutex
	cache    map[string]*proxyio.TLSCertificate
	inflight map[string]*sync.WaitGroup

	patternsMu sync.RWMutex
	patterns   []string
}

// New loads the root certificate and private key from a PKCS#12 bundle
// (as produced by `openssl pkcs12 -export`), per spec.md §4.12's
// "parse once to obtain root certificate + private key" contract.
func New(pfxData []byte, passphrase string) (*Pool, error) {
	key, cert, err := pkcs12.Decode(pfxData, passphrase)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("certpool: parsing root PKCS#12 bundle: %v", err))
	}
	rootKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.NewValidationError("certpool: root bundle private key is not RSA")
	}
	return &Pool{
		rootCert: cert,
		rootKey:  rootKey,
		cache:    make(map[string]*proxyio.TLSCertificate),
		inflight: make(map[string]*sync.WaitGroup),
	}, nil
}

// RegisterKeys atomically replaces the set of allowed MITM host patterns.
// Cached entries for hosts no longer matched by any pattern are dropped.
func (p *Pool) RegisterKeys(patterns []string) {
	p.patternsMu.Lock()
	p.patterns = append([]string(nil), patterns...)
	p.patternsMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for host := range p.cache {
		if !p.allowedLocked(host) {
			delete(p.cache, host)
		}
	}
}

func (p *Pool) allowedLocked(host string) bool {
	p.patternsMu.RLock()
	defer p.patternsMu.RUnlock()
	for _, pat := range p.patterns {
		if MatchHost(pat, host) {
			return true
		}
	}
	return false
}

// Value returns the leaf certificate for host, generating and caching one
// on first hit. Concurrent callers for the same host block on a single
// in-flight generation rather than each issuing their own leaf.
func (p *Pool) Value(host string) (*proxyio.TLSCertificate, error) {
	p.mu.RLock()
	if cert, ok := p.cache[host]; ok {
		p.mu.RUnlock()
		return cert, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	if cert, ok := p.cache[host]; ok {
		p.mu.Unlock()
		return cert, nil
	}
	if wg, inflight := p.inflight[host]; inflight {
		p.mu.Unlock()
		wg.Wait()
		p.mu.RLock()
		cert, ok := p.cache[host]
		p.mu.RUnlock()
		if !ok {
			return nil, errors.NewCryptoError("certpool-value", fmt.Errorf("generation for %q failed in another caller", host))
		}
		return cert, nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	p.inflight[host] = wg
	p.mu.Unlock()

	cert, err := p.issue(host)

	p.mu.Lock()
	delete(p.inflight, host)
	if err == nil {
		p.cache[host] = cert
	}
	p.mu.Unlock()
	wg.Done()

	if err != nil {
		return nil, err
	}
	return cert, nil
}

// RemoveValue evicts a single cached leaf.
func (p *Pool) RemoveValue(host string) {
	p.mu.Lock()
	delete(p.cache, host)
	p.mu.Unlock()
}

// RemoveAllValues evicts every cached leaf.
func (p *Pool) RemoveAllValues() {
	p.mu.Lock()
	p.cache = make(map[string]*proxyio.TLSCertificate)
	p.mu.Unlock()
}

func (p *Pool) issue(host string) (*proxyio.TLSCertificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, errors.NewCryptoError("certpool-genkey", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.NewCryptoError("certpool-serial", err)
	}

	apex := apexOf(host)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: apex},
		DNSNames:     []string{apex, "*." + apex},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageOCSPSigning},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, p.rootCert, &key.PublicKey, p.rootKey)
	if err != nil {
		return nil, errors.NewCryptoError("certpool-sign", err)
	}

	return &proxyio.TLSCertificate{
		CertDER: [][]byte{der, p.rootCert.Raw},
		KeyDER:  x509.MarshalPKCS1PrivateKey(key),
	}, nil
}

// apexOf returns the last two labels of host, the "apex" domain the
// generated leaf's SAN set covers (apex + *.apex), per spec.md §4.12.
func apexOf(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// MatchHost reports whether pattern matches host. A pattern of the form
// "*.suffix" matches "x.suffix" but not "suffix" itself; any other pattern
// must match host exactly.
func MatchHost(pattern, host string) bool {
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".suffix"
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}
	return pattern == host
}
