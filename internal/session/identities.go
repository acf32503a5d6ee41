package session

import (
	"context"
	"errors"
	"github.com/misakey/apitest/internal/httpcall"
	"net/http"
	"net/url"
)

const (
	// PubkeyField is the identity field holding the identified public key
	PubkeyField = "pubkey"

	// NonIdentifiedPubkeyField is the identity field holding the public key used when the identifier is unknown
	NonIdentifiedPubkeyField = "non_identified_pubkey"
)

var (
	ErrUnknownPubkeyField = errors.New("unknown public key field")
)

// Identity represents the parts of an identity the tooling reads
type Identity struct {
	ID                        string `json:"id"`
	AccountID                 string `json:"account_id"`
	DisplayName               string `json:"display_name"`
	IdentifierValue           string `json:"identifier_value"`
	Pubkey                    string `json:"pubkey"`
	NonIdentifiedPubkey       string `json:"non_identified_pubkey"`
	PubkeyAESRSA              string `json:"pubkey_aes_rsa"`
	NonIdentifiedPubkeyAESRSA string `json:"non_identified_pubkey_aes_rsa"`
}

// GetIdentity retrieves the identity of the session
func (session *Session) GetIdentity(ctx context.Context) (*Identity, *httpcall.Response, error) {
	res, err := session.Get(ctx, "/identities/"+session.IdentityID, httpcall.Expect(http.StatusOK))
	if err != nil {
		return nil, res, err
	}
	identity := new(Identity)
	if err := res.JSON(identity); err != nil {
		return nil, res, err
	}
	return identity, res, nil
}

// GetIdentityPublicKey retrieves the public key of the session identity stored in the given field
func (session *Session) GetIdentityPublicKey(ctx context.Context, field string) (string, error) {
	identity, _, err := session.GetIdentity(ctx)
	if err != nil {
		return "", err
	}
	switch field {
	case PubkeyField:
		return identity.Pubkey, nil
	case NonIdentifiedPubkeyField:
		return identity.NonIdentifiedPubkey, nil
	default:
		return "", ErrUnknownPubkeyField
	}
}

// SetIdentityPublicKey sets the public key stored in the given field of the session identity
func (session *Session) SetIdentityPublicKey(ctx context.Context, field, pubkey string, opts ...httpcall.Option) (*httpcall.Response, error) {
	if field != PubkeyField && field != NonIdentifiedPubkeyField {
		return nil, ErrUnknownPubkeyField
	}
	opts = append([]httpcall.Option{
		httpcall.JSON(map[string]string{field: pubkey}),
		httpcall.Expect(http.StatusNoContent),
	}, opts...)
	return session.Patch(ctx, "/identities/"+session.IdentityID, opts...)
}

// LookupPublicKeys retrieves the public keys of every identity using the given identifier value
func (session *Session) LookupPublicKeys(ctx context.Context, identifierValue string) ([]string, error) {
	res, err := session.Get(ctx, "/identities/pubkey",
		httpcall.Query(url.Values{"identifier_value": {identifierValue}}),
		httpcall.Expect(http.StatusOK),
	)
	if err != nil {
		return nil, err
	}
	var pubkeys []string
	if err := res.JSON(&pubkeys); err != nil {
		return nil, err
	}
	return pubkeys, nil
}

// JoinBox makes the session identity join a box
func (session *Session) JoinBox(ctx context.Context, boxID string) (*httpcall.Response, error) {
	return session.Post(ctx, "/boxes/"+boxID+"/events",
		httpcall.JSON(map[string]string{"type": "member.join"}),
		httpcall.Expect(http.StatusCreated),
	)
}
