package dkim

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer adds a DKIM-Signature header to outgoing campaign mail
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

// Load reads a PEM key from keyFile and returns a signer for domain/selector
func Load(keyFile, domain, selector string) (*Signer, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}
	key, err := ParseKey(data)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, domain: domain, selector: selector}, nil
}

// ParseKey decodes a PKCS#1 or PKCS#8 RSA private key
func ParseKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not RSA")
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unsupported key type: %s", block.Type)
}

// Sign returns message with a relaxed/relaxed SHA-256 signature prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	var out bytes.Buffer
	err := dkim.Sign(&out, bytes.NewReader(message), &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string { return s.domain }

// Generate creates a 2048-bit key, writes it to keyFile and returns the
// TXT record name and value to publish.
func Generate(keyFile, domain, selector string) (name, record string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyFile), 0755); err != nil {
		return "", "", fmt.Errorf("failed to create directory: %w", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyFile, pemData, 0600); err != nil {
		return "", "", fmt.Errorf("failed to write key file: %w", err)
	}

	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	name = fmt.Sprintf("%s._domainkey.%s", selector, domain)
	record = "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)
	return name, record, nil
}
