package certpool

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test MITM root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("create root certificate: %v", err)
	}
	rootCert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse root certificate: %v", err)
	}
	return &Pool{
		rootCert: rootCert,
		rootKey:  rootKey,
		cache:    make(map[string]*proxyio.TLSCertificate),
		inflight: make(map[string]*sync.WaitGroup),
	}
}

func TestMatchHost(t *testing.T) {
	cases := []struct {
		pattern, host string
		want          bool
	}{
		{"example.com", "example.com", true},
		{"example.com", "sub.example.com", false},
		{"*.example.com", "sub.example.com", true},
		{"*.example.com", "example.com", false},
		{"*.example.com", "deep.sub.example.com", true},
	}
	for _, c := range cases {
		if got := MatchHost(c.pattern, c.host); got != c.want {
			t.Errorf("MatchHost(%q, %q) = %v, want %v", c.pattern, c.host, got, c.want)
		}
	}
}

func TestApexOf(t *testing.T) {
	cases := map[string]string{
		"example.com":         "example.com",
		"www.example.com":     "example.com",
		"deep.sub.example.com": "example.com",
		"localhost":           "localhost",
	}
	for host, want := range cases {
		if got := apexOf(host); got != want {
			t.Errorf("apexOf(%q) = %q, want %q", host, got, want)
		}
	}
}

func TestValueIssuesAndCaches(t *testing.T) {
	p := newTestPool(t)

	cert, err := p.Value("www.example.com")
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if len(cert.CertDER) != 2 {
		t.Fatalf("expected leaf+root chain, got %d certs", len(cert.CertDER))
	}
	leaf, err := x509.ParseCertificate(cert.CertDER[0])
	if err != nil {
		t.Fatalf("parse issued leaf: %v", err)
	}
	if leaf.Subject.CommonName != "example.com" {
		t.Fatalf("expected leaf CN to be the apex domain, got %q", leaf.Subject.CommonName)
	}

	again, err := p.Value("www.example.com")
	if err != nil {
		t.Fatalf("Value (cached): %v", err)
	}
	if string(again.CertDER[0]) != string(cert.CertDER[0]) {
		t.Fatalf("expected cached Value to return the same leaf bytes")
	}
}

func TestRemoveValue(t *testing.T) {
	p := newTestPool(t)
	if _, err := p.Value("a.example.com"); err != nil {
		t.Fatalf("Value: %v", err)
	}
	p.RemoveValue("a.example.com")
	p.mu.RLock()
	_, cached := p.cache["a.example.com"]
	p.mu.RUnlock()
	if cached {
		t.Fatalf("expected cache entry to be evicted")
	}
}

func TestRegisterKeysEvictsUnmatchedHosts(t *testing.T) {
	p := newTestPool(t)
	if _, err := p.Value("keep.example.com"); err != nil {
		t.Fatalf("Value: %v", err)
	}
	if _, err := p.Value("drop.other.net"); err != nil {
		t.Fatalf("Value: %v", err)
	}
	p.RegisterKeys([]string{"*.example.com"})

	p.mu.RLock()
	_, keptCached := p.cache["keep.example.com"]
	_, droppedCached := p.cache["drop.other.net"]
	p.mu.RUnlock()
	if !keptCached {
		t.Fatalf("expected keep.example.com to remain cached")
	}
	if droppedCached {
		t.Fatalf("expected drop.other.net to be evicted")
	}
}
