package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Request signing headers
const (
	HeaderKey       = "KALSHI-ACCESS-KEY"
	HeaderTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	HeaderSignature = "KALSHI-ACCESS-SIGNATURE"
)

// Signer produces RSA-PSS request signatures over timestamp + METHOD + path
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewSigner wraps an already parsed key
func NewSigner(keyID string, key *rsa.PrivateKey) *Signer {
	return &Signer{keyID: keyID, key: key}
}

// LoadSigner reads a PEM encoded PKCS#1 or PKCS#8 RSA key
func LoadSigner(keyID, path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kalshi: read key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("kalshi: key file has no PEM block")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewSigner(keyID, k), nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: key is %T, want RSA", parsed)
	}
	return NewSigner(keyID, k), nil
}

// KeyID of the API key
func (s *Signer) KeyID() string { return s.keyID }

// Sign returns the base64 signature of ts+method+path. path excludes the query.
func (s *Signer) Sign(ts, method, path string) (string, error) {
	digest := sha256.Sum256([]byte(ts + method + path))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("kalshi: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Apply sets the three auth headers on h
func (s *Signer) Apply(h http.Header, method, path string, now time.Time) error {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	sig, err := s.Sign(ts, method, path)
	if err != nil {
		return err
	}
	h.Set(HeaderKey, s.keyID)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, sig)
	return nil
}
