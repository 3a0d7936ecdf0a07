package assertion

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

const (
	// Algorithm is the IdP's name for RSA keys.
	Algorithm = "RS"
	// DefaultKeyBits is the RSA modulus size used when none is configured.
	DefaultKeyBits = 2048
	minKeyBits     = 1024
)

var (
	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrInvalidSecretKey = errors.New("invalid secret key")
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// Keypair is an RSA signing key.
type Keypair struct {
	secret *rsa.PrivateKey
}

type publicKeyJSON struct {
	Algorithm string `json:"algorithm"`
	N         string `json:"n"`
	E         string `json:"e"`
}

// GenerateKeypair creates a new RSA keypair. bits <= 0 selects [DefaultKeyBits].
func GenerateKeypair(bits int) (*Keypair, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	if bits < minKeyBits {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeySize, bits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Keypair{secret: key}, nil
}

// Public returns the public half.
func (k *Keypair) Public() *rsa.PublicKey {
	return &k.secret.PublicKey
}

// PublicKeyJSON serializes the public half in the IdP's key format:
// {"algorithm":"RS","n":"<decimal>","e":"<decimal>"}.
func (k *Keypair) PublicKeyJSON() (string, error) {
	pub := k.Public()
	data, err := json.Marshal(publicKeyJSON{
		Algorithm: Algorithm,
		N:         pub.N.String(),
		E:         strconv.Itoa(pub.E),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MarshalSecret encodes the secret half as a PKCS#8 PEM block.
func (k *Keypair) MarshalSecret() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParseSecret decodes a secret produced by [Keypair.MarshalSecret].
func ParseSecret(encoded string) (*Keypair, error) {
	block, _ := pem.Decode([]byte(encoded))
	if block == nil {
		return nil, ErrInvalidSecretKey
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrInvalidSecretKey
	}
	return &Keypair{secret: rsaKey}, nil
}

// ParsePublicKeyJSON decodes the IdP key format back into an RSA key.
func ParsePublicKeyJSON(encoded string) (*rsa.PublicKey, error) {
	var raw publicKeyJSON
	if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return raw.rsa()
}

func (p publicKeyJSON) rsa() (*rsa.PublicKey, error) {
	if p.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: algorithm %q", ErrInvalidPublicKey, p.Algorithm)
	}
	n, ok := new(big.Int).SetString(p.N, 10)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	e, err := strconv.Atoi(p.E)
	if err != nil || e <= 1 {
		return nil, ErrInvalidPublicKey
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}
