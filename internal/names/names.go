// Package names generates disposable account addresses and credentials.
package names

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strconv"
	"strings"
)

// PasswordLength is the length of generated credentials.
const PasswordLength = 16

const passwordChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"abcdefghijklmnopqrstuvwxyz" +
	"1234567890" +
	"~#$%^&*(){}[]_+-=,.;:"

var ErrInvalidDomain = errors.New("invalid email domain")

var firstNames = []string{
	"abel", "abreu", "acevedo", "adrian", "aguilera", "alexis", "andy",
	"angelo", "anthony", "ashley", "avellanet", "blass", "blazquez", "cancel",
	"carlos", "cesar", "charlie", "daniel", "didier", "edward", "farrait",
	"fernando", "galindo", "garcia", "gomez", "grullon", "hernandez", "johnny",
	"jonathan", "lopez", "lozada", "martin", "masso", "melendez", "miguel",
	"montenegro", "nefty", "olivares", "oscar", "ralphy", "rawy", "ray",
	"raymond", "rene", "reyes", "ricky", "robert", "robi", "rodriguez", "rosa",
	"rossello", "roy", "ruben", "ruiz", "sallaberry", "serbia", "sergio",
	"talamantez", "torres", "weider", "xavier",
}

// Generator builds emails under one domain.
type Generator struct {
	domain string
}

// NewGenerator returns a generator for domain.
func NewGenerator(domain string) (*Generator, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" || strings.ContainsAny(domain, "@ /") || !strings.Contains(domain, ".") {
		return nil, ErrInvalidDomain
	}
	return &Generator{domain: domain}, nil
}

// Domain returns the configured domain.
func (g *Generator) Domain() string {
	return g.domain
}

// Email returns a random name followed by seq at the domain. The sequence
// makes every email unique.
func (g *Generator) Email(seq int64) (string, error) {
	i, err := randomIndex(len(firstNames))
	if err != nil {
		return "", err
	}
	return firstNames[i] + strconv.FormatInt(seq, 10) + "@" + g.domain, nil
}

// Matches reports whether email could have been issued by g.
func (g *Generator) Matches(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || domain != g.domain {
		return false
	}
	name := strings.TrimRight(local, "0123456789")
	if name == local || name == "" {
		return false
	}
	for _, n := range firstNames {
		if n == name {
			return true
		}
	}
	return false
}

// Password returns a random credential of [PasswordLength] characters.
func Password() (string, error) {
	var b strings.Builder
	b.Grow(PasswordLength)
	for i := 0; i < PasswordLength; i++ {
		n, err := randomIndex(len(passwordChars))
		if err != nil {
			return "", err
		}
		b.WriteByte(passwordChars[n])
	}
	return b.String(), nil
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
