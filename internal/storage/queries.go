package storage

import (
	"github.com/Masterminds/squirrel"
	"github.com/misakey/apitest/internal/cryptoaction"
)

// LatestAuthnStepMetadataQuery builds the query retrieving the metadata of the most recent authentication step of an identity
func LatestAuthnStepMetadataQuery(identityID string) squirrel.SelectBuilder {
	return squirrel.Select("metadata").
		From("authentication_step").
		Where(squirrel.Eq{"identity_id": identityID}).
		OrderBy("created_at DESC").
		Limit(1)
}

// InsertCryptoActionQuery builds the query inserting a crypto action fixture
func InsertCryptoActionQuery(create *cryptoaction.Create) squirrel.InsertBuilder {
	return squirrel.Insert("crypto_action").
		Columns("id", "account_id", "sender_identity_id", "type", "box_id", "encryption_public_key", "encrypted").
		Values(create.ID, create.AccountID, create.SenderIdentityID, create.Type, create.BoxID, create.EncryptionPublicKey, create.Encrypted)
}
