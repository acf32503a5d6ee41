package idtoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

const (
	testIssuer   = "https://auth.example.test/"
	testClientID = "cc411b8f-28bf-4d4e-abd9-99226b41da27"
)

func signToken(t *testing.T, key *rsa.PrivateKey, audience string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "identity-1",
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ACR: "2",
		AMR: []string{"emailed_code"},
	})
	raw, err := token.SignedString(key)
	require.NoError(t, err)
	return raw
}

func TestParseUnverified(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	claims, err := ParseUnverified(signToken(t, key, testClientID, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "identity-1", claims.Subject)
	assert.Equal(t, "2", claims.ACR)
	assert.Equal(t, []string{"emailed_code"}, claims.AMR)

	_, err = ParseUnverified("")
	assert.ErrorIs(t, err, ErrEmptyToken)
	_, err = ParseUnverified("not-a-token")
	assert.Error(t, err)
}

func TestStaticVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	verifier := NewStaticVerifier(testIssuer, testClientID, key.Public())
	ctx := context.Background()

	claims, err := verifier.Verify(ctx, signToken(t, key, testClientID, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "identity-1", claims.Subject)

	_, err = verifier.Verify(ctx, signToken(t, other, testClientID, time.Now().Add(time.Hour)))
	assert.Error(t, err)

	_, err = verifier.Verify(ctx, signToken(t, key, "another-client", time.Now().Add(time.Hour)))
	assert.Error(t, err)

	_, err = verifier.Verify(ctx, signToken(t, key, testClientID, time.Now().Add(-time.Hour)))
	assert.Error(t, err)
}
