// Package keystore holds the long-lived signing key pair for one fabric
// component. The pair is persisted as PEM files so a restart keeps the same
// identity; losing the key material at startup is the only fatal condition
// in the system.
package keystore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	keyBits        = 2048
	privateKeyFile = "signing.pem"
	publicKeyFile  = "signing.pub.pem"
)

// Store wraps one RSA signing key pair.
type Store struct {
	private *rsa.PrivateKey
	pubPEM  string
}

// Generate creates a fresh key pair and persists it under dir.
func Generate(dir string) (*Store, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return &Store{private: key, pubPEM: string(pubPEM)}, nil
}

// Load reads an existing key pair from dir.
func Load(dir string) (*Store, error) {
	privPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, errors.New("no PEM block in private key file")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return &Store{private: key, pubPEM: string(pubPEM)}, nil
}

// LoadOrGenerate loads the pair from dir, generating a new one when no key
// material exists yet.
func LoadOrGenerate(dir string) (*Store, error) {
	s, err := Load(dir)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return Generate(dir)
	}
	return nil, err
}

// PublicPEM returns the public key in PEM form for sharing with peers.
func (s *Store) PublicPEM() string { return s.pubPEM }

// Fingerprint returns a stable hex SHA-256 of the PKIX public key bytes.
func (s *Store) Fingerprint() string {
	return FingerprintPEM(s.pubPEM)
}

// FingerprintPEM computes the fingerprint of any public key PEM. Returns an
// empty string when the PEM does not parse.
func FingerprintPEM(pubPEM string) string {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return ""
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:])
}

// Sign signs data with the private key and returns a base64 signature.
func (s *Store) Sign(data []byte) (string, error) {
	if s.private == nil {
		return "", errors.New("no private key loaded")
	}
	hashed := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.private, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over data against a sender's public key
// PEM. Verification failure is non-fatal and reported as false.
func Verify(data []byte, sigB64, senderPEM string) bool {
	block, _ := pem.Decode([]byte(senderPEM))
	if block == nil {
		return false
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	hashed := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, hashed[:], sig) == nil
}
