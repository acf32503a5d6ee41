package secretstorage

import (
	"encoding/json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestNewResetData(t *testing.T) {
	data := NewResetData()
	assert.Len(t, data.AsymKeys, 2)
	assert.True(t, strings.HasPrefix(data.PubkeyAESRSA, "com.misakey.aes-rsa-enc:"))
	assert.True(t, strings.HasPrefix(data.NonIdentifiedPubkeyAESRSA, "com.misakey.aes-rsa-enc:"))
	assert.NotEqual(t, data.AccountRootKey.KeyHash, data.VaultKey.KeyHash)
}

func TestNewFullDataJSON(t *testing.T) {
	raw, err := json.Marshal(NewFullData())
	require.NoError(t, err)

	obj := map[string]json.RawMessage{}
	require.NoError(t, json.Unmarshal(raw, &obj))
	for _, key := range []string{
		"account_root_key", "vault_key", "asym_keys", "pubkey", "non_identified_pubkey",
		"pubkey_aes_rsa", "non_identified_pubkey_aes_rsa", "box_key_shares",
	} {
		assert.Contains(t, obj, key)
	}

	shares := map[string]*BoxKeyShare{}
	require.NoError(t, json.Unmarshal(obj["box_key_shares"], &shares))
	require.Len(t, shares, 2)
	for id, share := range shares {
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
		assert.NotEmpty(t, share.EncryptedInvitationShare)
		assert.NotEmpty(t, share.InvitationShareHash)
	}
}
