package assertion

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidAudience    = errors.New("invalid audience")
	ErrInvalidAssertion   = errors.New("invalid assertion")
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrExpired            = errors.New("assertion expired")
)

const bundleSeparator = "~"

// Claims is the verified content of an assertion.
type Claims struct {
	Audience  string
	ExpiresAt time.Time
}

// Certificate is the content of an IdP-issued certificate.
type Certificate struct {
	Issuer    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	PublicKey *rsa.PublicKey
}

// Sign issues an assertion for audience valid until expiresAt.
func Sign(k *Keypair, audience string, expiresAt time.Time) (string, error) {
	if k == nil || k.secret == nil {
		return "", ErrInvalidSecretKey
	}
	if strings.TrimSpace(audience) == "" {
		return "", ErrInvalidAudience
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": audience,
		"exp": expiresAt.UnixMilli(),
	})
	signed, err := token.SignedString(k.secret)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// Verify checks the assertion signature against pub and its expiry against now.
func Verify(assertion string, pub *rsa.PublicKey, now time.Time) (*Claims, error) {
	claims := jwt.MapClaims{}
	if _, err := parser().ParseWithClaims(assertion, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	aud, _ := claims["aud"].(string)
	exp, ok := millis(claims["exp"])
	if aud == "" || !ok {
		return nil, ErrInvalidAssertion
	}
	if !now.Before(exp) {
		return nil, ErrExpired
	}
	return &Claims{Audience: aud, ExpiresAt: exp}, nil
}

// ParseCertificate decodes cert without checking its signature.
func ParseCertificate(cert string) (*Certificate, error) {
	claims := jwt.MapClaims{}
	if _, _, err := parser().ParseUnverified(cert, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return certificateFromClaims(claims)
}

// VerifyCertificate decodes cert and checks it was signed by issuerKey.
func VerifyCertificate(cert string, issuerKey *rsa.PublicKey) (*Certificate, error) {
	claims := jwt.MapClaims{}
	if _, err := parser().ParseWithClaims(cert, claims, func(*jwt.Token) (any, error) {
		return issuerKey, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return certificateFromClaims(claims)
}

// Bundle joins a certificate chain and an assertion into a backed assertion.
func Bundle(assertion string, certs ...string) string {
	parts := make([]string, 0, len(certs)+1)
	parts = append(parts, certs...)
	parts = append(parts, assertion)
	return strings.Join(parts, bundleSeparator)
}

// SplitBundle is the inverse of [Bundle].
func SplitBundle(bundle string) ([]string, string, error) {
	parts := strings.Split(bundle, bundleSeparator)
	if len(parts) < 2 {
		return nil, "", ErrInvalidAssertion
	}
	for _, p := range parts {
		if p == "" {
			return nil, "", ErrInvalidAssertion
		}
	}
	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

func parser() *jwt.Parser {
	// exp/iat are milliseconds, so the library's seconds-based checks are off.
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
}

func certificateFromClaims(claims jwt.MapClaims) (*Certificate, error) {
	out := &Certificate{}
	out.Issuer, _ = claims["iss"].(string)

	if principal, ok := claims["principal"].(map[string]any); ok {
		out.Email, _ = principal["email"].(string)
	}
	if out.Email == "" {
		return nil, fmt.Errorf("%w: missing principal", ErrInvalidCertificate)
	}

	if iat, ok := millis(claims["iat"]); ok {
		out.IssuedAt = iat
	}
	exp, ok := millis(claims["exp"])
	if !ok {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidCertificate)
	}
	out.ExpiresAt = exp

	if raw, ok := claims["public-key"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		var pk publicKeyJSON
		if err := json.Unmarshal(data, &pk); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		pub, err := pk.rsa()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		out.PublicKey = pub
	}
	return out, nil
}

func millis(v any) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		return time.UnixMilli(int64(n)), true
	case int64:
		return time.UnixMilli(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(i), true
	default:
		return time.Time{}, false
	}
}
