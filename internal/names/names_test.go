package names

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmailsAreUniquePerSequence(t *testing.T) {
	g, err := NewGenerator("test.domain")
	require.NoError(t, err)

	seen := map[string]bool{}
	for seq := int64(1); seq <= 500; seq++ {
		email, err := g.Email(seq)
		require.NoError(t, err)
		require.True(t, g.Matches(email), email)
		require.True(t, strings.HasSuffix(email, "@test.domain"))
		require.False(t, seen[email], "duplicate %s", email)
		seen[email] = true
	}
}

func TestMatchesRejectsForeignAddresses(t *testing.T) {
	g, err := NewGenerator("test.domain")
	require.NoError(t, err)

	for _, email := range []string{
		"alice1@other.domain",
		"abel@test.domain",
		"nobody1@test.domain",
		"12@test.domain",
		"abel1",
	} {
		require.False(t, g.Matches(email), email)
	}
	require.True(t, g.Matches("abel1@test.domain"))
}

func TestNewGeneratorValidatesDomain(t *testing.T) {
	for _, d := range []string{"", "localhost", "a@b.c", "has space.org"} {
		_, err := NewGenerator(d)
		require.ErrorIs(t, err, ErrInvalidDomain, d)
	}
	g, err := NewGenerator(" PersonaTestUser.org ")
	require.NoError(t, err)
	require.Equal(t, "personatestuser.org", g.Domain())
}

func TestPasswordShapeAndCharset(t *testing.T) {
	a, err := Password()
	require.NoError(t, err)
	b, err := Password()
	require.NoError(t, err)

	require.Len(t, a, PasswordLength)
	require.NotEqual(t, a, b)
	for _, r := range a {
		require.True(t, strings.ContainsRune(passwordChars, r), "unexpected %q", r)
	}
}
