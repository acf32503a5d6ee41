package idtoken

import (
	"context"
	"crypto"
	"errors"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"net/http"
)

var (
	ErrEmptyToken = errors.New("empty ID token")
)

// Claims represents the claims of an ID token the tooling looks at
type Claims struct {
	jwt.RegisteredClaims
	ACR   string   `json:"acr,omitempty"`
	AMR   []string `json:"amr,omitempty"`
	SID   string   `json:"sid,omitempty"`
	Email string   `json:"email,omitempty"`
}

// ParseUnverified decodes the claims of an ID token without checking its signature
func ParseUnverified(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrEmptyToken
	}
	claims := new(Claims)
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Verifier verifies ID tokens issued for a specific client
type Verifier struct {
	verifier *oidc.IDTokenVerifier
	client   *http.Client
}

// NewVerifier discovers the provider behind issuer and creates a verifier for the given client.
// httpClient is used for discovery and key retrieval; nil uses the default client.
func NewVerifier(ctx context.Context, issuer, clientID string, httpClient *http.Client) (*Verifier, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		client:   httpClient,
	}, nil
}

// NewStaticVerifier creates a verifier trusting a fixed set of public keys
func NewStaticVerifier(issuer, clientID string, keys ...crypto.PublicKey) *Verifier {
	return &Verifier{
		verifier: oidc.NewVerifier(issuer, &oidc.StaticKeySet{PublicKeys: keys}, &oidc.Config{ClientID: clientID}),
	}
}

// Verify checks the signature, issuer, audience and expiry of an ID token and decodes its claims
func (verifier *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrEmptyToken
	}
	if verifier.client != nil {
		ctx = oidc.ClientContext(ctx, verifier.client)
	}
	token, err := verifier.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	claims := new(Claims)
	if err := token.Claims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}
