// Package certauthority implements the CertificateCache contract the TLS
// Interceptor consumes: a create_certificate(name) capability backed by a
// CA certificate and key, minting wildcard-normalized leaf certificates on
// demand.
package certauthority

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/relaycore/relaycore/relaycore-srv/logger"
)

// CA holds the parsed certificate authority material used to sign freshly
// minted leaf certificates.
type CA struct {
	Certificate tls.Certificate
	cert        *x509.Certificate
	key         crypto.Signer
}

// LoadCA reads a CA certificate and (optionally password-protected) private
// key from disk, supporting RSA and EC keys in PKCS#1 or PKCS#8 form, the
// way the teacher's HTTPSInterceptor constructor does.
func LoadCA(certPath, keyPath, keyPassword string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key %s: %w", keyPath, err)
	}

	keyPEM, err = decryptPEMKey(keyPEM, keyPassword)
	if err != nil {
		return nil, fmt.Errorf("decrypting CA key: %w", err)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate/key pair: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("decoding CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("decoding CA key PEM")
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}

	logger.Info("loaded CA certificate %s (CN=%s)", certPath, cert.Subject.CommonName)

	return &CA{Certificate: pair, cert: cert, key: key}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
		}
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("key is neither PKCS#1, PKCS#8, nor EC")
}
