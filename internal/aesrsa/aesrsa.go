// Package aesrsa implements the hybrid encryption scheme used for end-to-end encrypted box content.
// Messages are encrypted with AES-CTR and authenticated with HMAC-SHA256 under a fresh symmetric key
// which is itself wrapped with RSA-OAEP for the recipient.
package aesrsa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/misakey/apitest/internal/random"
	"github.com/vmihailenco/msgpack/v5"
	"math/big"
	"regexp"
)

const (
	// AlgorithmName identifies the scheme in public keys and file metadata
	AlgorithmName = "com.misakey.aes-rsa-enc"

	// PublicKeyPrefix prefixes every encoded public key
	PublicKeyPrefix = AlgorithmName + ":"

	rsaModulusLength  = 3072
	rsaPublicExponent = 65537

	aesKeySize      = 32
	aesCounterBits  = 64
	aesNonceSize    = (128 - aesCounterBits) / 8
	hmacKeySize     = 16
	symmetricKeyLen = aesKeySize
)

var (
	ErrMalformedPublicKey   = errors.New("malformed recipient public key")
	ErrInvalidAuthTag       = errors.New("invalid authentication tag")
	ErrUnsupportedAlgorithm = errors.New("unsupported encryption algorithm")
	ErrNotRSAKey            = errors.New("secret key is not an RSA key")
)

var encoding = base64.RawURLEncoding

var publicKeyPattern = regexp.MustCompile(`^com\.misakey\.aes-rsa-enc:([a-zA-Z0-9\-_]+)$`)

// KeyPair represents an encoded key pair
type KeyPair struct {
	SecretKey string
	PublicKey string
}

type cryptogram struct {
	Ciphertext []byte `msgpack:"ciphertext"`
	Nonce      []byte `msgpack:"nonce"`
	AuthTag    []byte `msgpack:"auth_tag"`
	WrappedKey []byte `msgpack:"wrapped_key"`
}

// GenerateKeyPair generates a new RSA key pair.
// The secret key is the base64 encoded PKCS#8 DER form, the public key the prefixed base64 encoded modulus.
func GenerateKeyPair() (*KeyPair, error) {
	secret, err := rsa.GenerateKey(rand.Reader, rsaModulusLength)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(secret)
	if err != nil {
		return nil, err
	}
	modulus := secret.PublicKey.N.FillBytes(make([]byte, rsaModulusLength/8))
	return &KeyPair{
		SecretKey: encoding.EncodeToString(der),
		PublicKey: PublicKeyPrefix + encoding.EncodeToString(modulus),
	}, nil
}

// ParsePublicKey decodes a prefixed public key
func ParsePublicKey(publicKey string) (*rsa.PublicKey, error) {
	match := publicKeyPattern.FindStringSubmatch(publicKey)
	if match == nil {
		return nil, ErrMalformedPublicKey
	}
	modulus, err := encoding.DecodeString(match[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPublicKey, err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: rsaPublicExponent,
	}, nil
}

// ParseSecretKey decodes a secret key
func ParseSecretKey(secretKey string) (*rsa.PrivateKey, error) {
	der, err := encoding.DecodeString(secretKey)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return rsaKey, nil
}

// EncryptMessage encrypts a message for the owner of the given public key
func EncryptMessage(message []byte, publicKey string) (string, error) {
	pubkey, err := ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}

	key := generateSymmetricKey()
	ciphertext, nonce, authTag, err := symmetricEncrypt(message, key)
	if err != nil {
		return "", err
	}

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pubkey, key, nil)
	if err != nil {
		return "", err
	}

	packed, err := msgpack.Marshal(&cryptogram{
		Ciphertext: ciphertext,
		Nonce:      nonce,
		AuthTag:    authTag,
		WrappedKey: wrappedKey,
	})
	if err != nil {
		return "", err
	}
	return encoding.EncodeToString(packed), nil
}

// DecryptMessage decrypts a cryptogram using the given secret key
func DecryptMessage(encrypted, secretKey string) ([]byte, error) {
	packed, err := encoding.DecodeString(encrypted)
	if err != nil {
		return nil, err
	}
	cgm := new(cryptogram)
	if err := msgpack.Unmarshal(packed, cgm); err != nil {
		return nil, err
	}

	secret, err := ParseSecretKey(secretKey)
	if err != nil {
		return nil, err
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, secret, cgm.WrappedKey, nil)
	if err != nil {
		return nil, err
	}

	return symmetricDecrypt(cgm.Ciphertext, cgm.Nonce, cgm.AuthTag, key)
}

// FileEncryption is the encryption part of the metadata sent alongside an encrypted file
type FileEncryption struct {
	Algorithm string `json:"algorithm"`
	Key       string `json:"key"`
	Nonce     string `json:"nonce"`
	AuthTag   string `json:"authTag"`
}

// FileMetadata is the metadata sent encrypted alongside an encrypted file
type FileMetadata struct {
	Encryption *FileEncryption `json:"encryption"`
	FileName   string          `json:"fileName"`
	FileSize   int             `json:"fileSize"`
}

// EncryptFile encrypts a file under a fresh key and encrypts the metadata needed to decrypt it for the owner of publicKey
func EncryptFile(content []byte, fileName, publicKey string) ([]byte, string, error) {
	key := generateSymmetricKey()
	encrypted, nonce, authTag, err := symmetricEncrypt(content, key)
	if err != nil {
		return nil, "", err
	}

	metadata, err := json.Marshal(&FileMetadata{
		Encryption: &FileEncryption{
			Algorithm: AlgorithmName,
			Key:       encoding.EncodeToString(key),
			Nonce:     encoding.EncodeToString(nonce),
			AuthTag:   encoding.EncodeToString(authTag),
		},
		FileName: fileName,
		FileSize: len(content),
	})
	if err != nil {
		return nil, "", err
	}

	messageContent, err := EncryptMessage(metadata, publicKey)
	if err != nil {
		return nil, "", err
	}
	return encrypted, messageContent, nil
}

// DecryptFile decrypts a file using the metadata carried by the encrypted message content
func DecryptFile(encrypted []byte, messageContent, secretKey string) ([]byte, error) {
	raw, err := DecryptMessage(messageContent, secretKey)
	if err != nil {
		return nil, err
	}
	metadata := new(FileMetadata)
	if err := json.Unmarshal(raw, metadata); err != nil {
		return nil, err
	}
	if metadata.Encryption == nil || metadata.Encryption.Algorithm != AlgorithmName {
		return nil, ErrUnsupportedAlgorithm
	}

	key, err := encoding.DecodeString(metadata.Encryption.Key)
	if err != nil {
		return nil, err
	}
	nonce, err := encoding.DecodeString(metadata.Encryption.Nonce)
	if err != nil {
		return nil, err
	}
	authTag, err := encoding.DecodeString(metadata.Encryption.AuthTag)
	if err != nil {
		return nil, err
	}
	return symmetricDecrypt(encrypted, nonce, authTag, key)
}

func generateSymmetricKey() []byte {
	return random.Bytes(symmetricKeyLen)
}

// deriveKey boils HKDF down to a single HMAC as the base key is already uniformly random
func deriveKey(base []byte, label string, size int) []byte {
	mac := hmac.New(sha256.New, base)
	mac.Write([]byte(label))
	return mac.Sum(nil)[:size]
}

func authTag(key, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, deriveKey(key, "mac", hmacKeySize))
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

func ctrStream(key, nonce []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(deriveKey(key, "encryption", aesKeySize))
	if err != nil {
		return nil, err
	}
	// The counter block is the nonce followed by the zeroed counter
	counter := make([]byte, aes.BlockSize)
	copy(counter, nonce)
	return cipher.NewCTR(block, counter), nil
}

func symmetricEncrypt(plaintext, key []byte) ([]byte, []byte, []byte, error) {
	nonce := random.Bytes(aesNonceSize)
	stream, err := ctrStream(key, nonce)
	if err != nil {
		return nil, nil, nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)
	return ciphertext, nonce, authTag(key, ciphertext), nil
}

func symmetricDecrypt(ciphertext, nonce, tag, key []byte) ([]byte, error) {
	if len(nonce) != aesNonceSize {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	if !hmac.Equal(tag, authTag(key, ciphertext)) {
		return nil, ErrInvalidAuthTag
	}
	stream, err := ctrStream(key, nonce)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
