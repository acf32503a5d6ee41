package secretstorage

import (
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/aesrsa"
	"github.com/misakey/apitest/internal/random"
)

// EncryptedKey is a key stored encrypted alongside the hash identifying it
type EncryptedKey struct {
	KeyHash      string `json:"key_hash"`
	EncryptedKey string `json:"encrypted_key"`
}

// AsymKey is the encrypted secret part of an asymmetric key
type AsymKey struct {
	EncryptedSecretKey string `json:"encrypted_secret_key"`
}

// BoxKeyShare is a box key share collected before the account existed
type BoxKeyShare struct {
	EncryptedInvitationShare string `json:"encrypted_invitation_share"`
	InvitationShareHash      string `json:"invitation_share_hash"`
}

// ResetData is the secret storage payload sent on account creation and password reset
type ResetData struct {
	AccountRootKey            *EncryptedKey       `json:"account_root_key"`
	VaultKey                  *EncryptedKey       `json:"vault_key"`
	AsymKeys                  map[string]*AsymKey `json:"asym_keys"`
	Pubkey                    string              `json:"pubkey"`
	NonIdentifiedPubkey       string              `json:"non_identified_pubkey"`
	PubkeyAESRSA              string              `json:"pubkey_aes_rsa"`
	NonIdentifiedPubkeyAESRSA string              `json:"non_identified_pubkey_aes_rsa"`
}

// FullData is the reset data plus the secrets that may have been collected before the account was created
type FullData struct {
	*ResetData
	BoxKeyShares map[string]*BoxKeyShare `json:"box_key_shares"`
}

// NewResetData generates random secret storage reset data
func NewResetData() *ResetData {
	return &ResetData{
		AccountRootKey: newEncryptedKey(),
		VaultKey:       newEncryptedKey(),
		AsymKeys: map[string]*AsymKey{
			random.Base64URL(16): {EncryptedSecretKey: random.Base64URL(32)},
			random.Base64URL(16): {EncryptedSecretKey: random.Base64URL(32)},
		},
		Pubkey:                    random.Base64URL(16),
		NonIdentifiedPubkey:       random.Base64URL(16),
		PubkeyAESRSA:              aesrsa.PublicKeyPrefix + random.Base64URL(16),
		NonIdentifiedPubkeyAESRSA: aesrsa.PublicKeyPrefix + random.Base64URL(16),
	}
}

// NewFullData generates random secret storage data including box key shares
func NewFullData() *FullData {
	return &FullData{
		ResetData: NewResetData(),
		BoxKeyShares: map[string]*BoxKeyShare{
			uuid.NewString(): newBoxKeyShare(),
			uuid.NewString(): newBoxKeyShare(),
		},
	}
}

// newBoxKeyShare generates a random box key share
func newBoxKeyShare() *BoxKeyShare {
	return &BoxKeyShare{
		EncryptedInvitationShare: random.Base64URL(32),
		InvitationShareHash:      random.Base64URL(16),
	}
}

func newEncryptedKey() *EncryptedKey {
	return &EncryptedKey{
		KeyHash:      random.Base64URL(16),
		EncryptedKey: random.Base64URL(16),
	}
}
