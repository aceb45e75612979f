package certauthority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/relaycore/relaycore-srv/logger"
	"golang.org/x/net/idna"
)

// Cache implements the core's CertificateCache contract: a single
// create_certificate(name) capability with an at-most-once-per-hostname
// minting guarantee under concurrent callers, grounded on the teacher's
// HTTPSInterceptor.getOrCreateCert single-flight pattern.
type Cache struct {
	ca *CA

	mu    sync.RWMutex
	certs map[string]*tls.Certificate

	genMu sync.Mutex
	gen   map[string]*sync.WaitGroup

	validity time.Duration
}

// NewCache builds a Cache backed by ca. validity is the lifetime of minted
// leaf certificates; callers typically use a generous window since leaves
// are cheap to regenerate.
func NewCache(ca *CA, validity time.Duration) *Cache {
	if validity <= 0 {
		validity = 24 * 365 * time.Hour
	}
	return &Cache{
		ca:       ca,
		certs:    make(map[string]*tls.Certificate),
		gen:      make(map[string]*sync.WaitGroup),
		validity: validity,
	}
}

// WildcardName computes the wildcard-normalized subject name for host: the
// leftmost label is replaced by "*" (e.g. "a.b.example.com" ->
// "*.b.example.com"), while IP literals and hosts of one or two labels
// (e.g. "example.com") are used verbatim. host is first
// converted to its ASCII (Punycode) form so an internationalized hostname
// and its A-label spelling land on the same cached certificate.
func WildcardName(host string) string {
	if looksLikeIP(host) {
		return host
	}
	host = toASCIIHost(host)
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return "*." + strings.Join(labels[1:], ".")
}

// toASCIIHost normalizes host to its ASCII form, falling back to the
// original string for inputs idna can't or needn't convert (IP literals,
// already-ASCII hosts, malformed labels).
func toASCIIHost(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

// CreateCertificate returns a leaf certificate for name (expected to already
// be wildcard-normalized by the caller), generating and caching it on first
// use. Concurrent calls for the same name block on the same generation
// rather than minting duplicate certificates.
func (c *Cache) CreateCertificate(name string) (*tls.Certificate, error) {
	c.mu.RLock()
	cert, ok := c.certs[name]
	c.mu.RUnlock()
	if ok {
		return cert, nil
	}

	c.genMu.Lock()
	if wg, inProgress := c.gen[name]; inProgress {
		c.genMu.Unlock()
		wg.Wait()
		c.mu.RLock()
		cert, ok = c.certs[name]
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("certificate generation for %s did not complete", name)
		}
		return cert, nil
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.gen[name] = wg
	c.genMu.Unlock()

	defer func() {
		wg.Done()
		c.genMu.Lock()
		delete(c.gen, name)
		c.genMu.Unlock()
	}()

	cert, err := c.mint(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.certs[name] = cert
	c.mu.Unlock()

	logger.Debug("minted leaf certificate for %s", name)
	return cert, nil
}

func (c *Cache) mint(name string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(c.validity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if strings.HasPrefix(name, "*.") || !looksLikeIP(name) {
		template.DNSNames = []string{name}
	} else {
		template.IPAddresses = append(template.IPAddresses, parseIP(name))
	}

	caX509, err := x509.ParseCertificate(c.ca.Certificate.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caX509, &leafKey.PublicKey, c.ca.Certificate.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, c.ca.Certificate.Certificate[0]},
		PrivateKey:  leafKey,
		Leaf:        template,
	}, nil
}
