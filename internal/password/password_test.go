package password

import (
	"encoding/base64"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestHashIsDeterministic(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString([]byte("saltsalt"))
	first, err := Hash("password", salt)
	require.NoError(t, err)
	second, err := Hash("password", salt)
	require.NoError(t, err)
	other, err := Hash("other", salt)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first.HashBase64, other.HashBase64)

	raw, err := base64.StdEncoding.DecodeString(first.HashBase64)
	require.NoError(t, err)
	assert.Len(t, raw, keyLength)
}

func TestHashRejectsInvalidSalt(t *testing.T) {
	_, err := Hash("password", "not base64!")
	assert.Error(t, err)
}

func TestNewUsesFreshSalts(t *testing.T) {
	first := New("password")
	second := New("password")
	assert.NotEqual(t, first.Params.SaltBase64, second.Params.SaltBase64)
	assert.NotEqual(t, first.HashBase64, second.HashBase64)
}

func TestJSONShape(t *testing.T) {
	raw, err := json.Marshal(New("password"))
	require.NoError(t, err)

	obj := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &obj))

	assert.Contains(t, obj, "hash_base64")
	params, ok := obj["params"].(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"memory", "iterations", "parallelism", "salt_base64"}, keys(params))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for key := range m {
		out = append(out, key)
	}
	return out
}
