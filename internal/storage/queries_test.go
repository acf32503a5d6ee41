package storage

import (
	"github.com/Masterminds/squirrel"
	"github.com/misakey/apitest/internal/cryptoaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestLatestAuthnStepMetadataQuery(t *testing.T) {
	sql, args, err := LatestAuthnStepMetadataQuery("id-1").PlaceholderFormat(squirrel.Dollar).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT metadata FROM authentication_step WHERE identity_id = $1 ORDER BY created_at DESC LIMIT 1", sql)
	assert.Equal(t, []any{"id-1"}, args)
}

func TestInsertCryptoActionQuery(t *testing.T) {
	sql, args, err := InsertCryptoActionQuery(&cryptoaction.Create{
		ID:                  "a",
		AccountID:           "b",
		SenderIdentityID:    "c",
		Type:                cryptoaction.TypeInvitation,
		BoxID:               "d",
		EncryptionPublicKey: "e",
		Encrypted:           "f",
	}).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO crypto_action (id,account_id,sender_identity_id,type,box_id,encryption_public_key,encrypted) VALUES (?,?,?,?,?,?,?)", sql)
	assert.Equal(t, []any{"a", "b", "c", "invitation", "d", "e", "f"}, args)
}
