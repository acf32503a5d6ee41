package aesrsa

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"strings"
	"sync"
	"testing"
)

var (
	keyPairOnce sync.Once
	keyPair     *KeyPair
	keyPairErr  error
)

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	keyPairOnce.Do(func() {
		keyPair, keyPairErr = GenerateKeyPair()
	})
	require.NoError(t, keyPairErr)
	return keyPair
}

func TestGenerateKeyPair(t *testing.T) {
	pair := testKeyPair(t)
	require.True(t, strings.HasPrefix(pair.PublicKey, PublicKeyPrefix))

	pubkey, err := ParsePublicKey(pair.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, 3072, pubkey.N.BitLen())
	assert.Equal(t, 65537, pubkey.E)

	secret, err := ParseSecretKey(pair.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, 0, secret.PublicKey.N.Cmp(pubkey.N))
}

func TestMessageRoundTrip(t *testing.T) {
	pair := testKeyPair(t)
	message := []byte("a secret shared in a box")

	encrypted, err := EncryptMessage(message, pair.PublicKey)
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "=")

	decrypted, err := DecryptMessage(encrypted, pair.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, message, decrypted)
}

func TestCryptogramLayout(t *testing.T) {
	pair := testKeyPair(t)
	encrypted, err := EncryptMessage([]byte("hello"), pair.PublicKey)
	require.NoError(t, err)

	packed, err := encoding.DecodeString(encrypted)
	require.NoError(t, err)
	fields := map[string][]byte{}
	require.NoError(t, msgpack.Unmarshal(packed, &fields))

	assert.Len(t, fields["nonce"], 8)
	assert.Len(t, fields["auth_tag"], 32)
	assert.Len(t, fields["wrapped_key"], 384)
	assert.Len(t, fields["ciphertext"], 5)
}

func TestTamperedMessageIsRejected(t *testing.T) {
	pair := testKeyPair(t)
	encrypted, err := EncryptMessage([]byte("hello"), pair.PublicKey)
	require.NoError(t, err)

	packed, err := encoding.DecodeString(encrypted)
	require.NoError(t, err)
	cgm := new(cryptogram)
	require.NoError(t, msgpack.Unmarshal(packed, cgm))
	cgm.Ciphertext[0] ^= 0xff
	repacked, err := msgpack.Marshal(cgm)
	require.NoError(t, err)

	_, err = DecryptMessage(encoding.EncodeToString(repacked), pair.SecretKey)
	assert.ErrorIs(t, err, ErrInvalidAuthTag)
}

func TestMalformedPublicKey(t *testing.T) {
	for _, pubkey := range []string{
		"",
		"com.misakey.BAD-enc:ShouldBeUnpaddedUrlSafeBase64",
		"com.misakey.aes-rsa-enc:padded==",
		"ShouldBeUnpaddedUrlSafeBase64",
	} {
		_, err := EncryptMessage([]byte("x"), pubkey)
		assert.ErrorIs(t, err, ErrMalformedPublicKey, pubkey)
	}
}

func TestFileRoundTrip(t *testing.T) {
	pair := testKeyPair(t)
	content := bytes.Repeat([]byte("file content "), 100)

	encrypted, messageContent, err := EncryptFile(content, "notes.txt", pair.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, content, encrypted)

	decrypted, err := DecryptFile(encrypted, messageContent, pair.SecretKey)
	require.NoError(t, err)
	assert.Equal(t, content, decrypted)

	encrypted[10] ^= 0x01
	_, err = DecryptFile(encrypted, messageContent, pair.SecretKey)
	assert.ErrorIs(t, err, ErrInvalidAuthTag)
}

func TestSymmetricRoundTrip(t *testing.T) {
	key := generateSymmetricKey()
	ciphertext, nonce, tag, err := symmetricEncrypt([]byte("plain"), key)
	require.NoError(t, err)

	plaintext, err := symmetricDecrypt(ciphertext, nonce, tag, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), plaintext)

	_, err = symmetricDecrypt(ciphertext, nonce[:4], tag, key)
	assert.Error(t, err)
}
