package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultKeyBits = 2048

	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
)

// KeyPair is the RSA signing key of the authority together with its public half.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
	KeyID   string
}

// GenerateKeyPair creates a fresh RSA key pair of the given size.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate rsa key: %v", ErrKeyMaterial, err)
	}
	return newKeyPair(priv)
}

func newKeyPair(priv *rsa.PrivateKey) (*KeyPair, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal public key: %v", ErrKeyMaterial, err)
	}
	sum := sha256.Sum256(der)
	return &KeyPair{
		Private: priv,
		Public:  &priv.PublicKey,
		KeyID:   base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// LoadOrCreateKeyPair reads private.pem/public.pem from dir, generating and
// persisting a new pair when none exists yet.
func LoadOrCreateKeyPair(dir string, bits int) (*KeyPair, error) {
	kp, err := LoadKeyPair(dir)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	kp, err = GenerateKeyPair(bits)
	if err != nil {
		return nil, err
	}
	if err := kp.Save(dir); err != nil {
		return nil, err
	}
	return kp, nil
}

// LoadKeyPair reads an existing key pair. The returned error wraps
// os.ErrNotExist when the private key file is absent.
func LoadKeyPair(dir string) (*KeyPair, error) {
	privPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	priv, err := parseRSAPrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrKeyMaterial, err)
	}
	kp, err := newKeyPair(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// public half is derivable; rewrite it
		if err := writePublicKey(dir, kp.Public); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("auth: read public key: %w", err)
	default:
		pub, err := parseRSAPublicKey(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: parse public key: %v", ErrKeyMaterial, err)
		}
		if pub.N.Cmp(kp.Public.N) != 0 || pub.E != kp.Public.E {
			return nil, fmt.Errorf("%w: public.pem does not match private.pem", ErrKeyMaterial)
		}
	}
	return kp, nil
}

// Save persists the pair to dir. The private key is written with mode 0600.
func (kp *KeyPair) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create key dir: %v", ErrKeyMaterial, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("%w: marshal private key: %v", ErrKeyMaterial, err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return fmt.Errorf("%w: write private key: %v", ErrKeyMaterial, err)
	}
	return writePublicKey(dir, kp.Public)
}

func writePublicKey(dir string, pub *rsa.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("%w: marshal public key: %v", ErrKeyMaterial, err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("%w: write public key: %v", ErrKeyMaterial, err)
	}
	return nil
}

func parseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
