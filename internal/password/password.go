package password

import (
	"encoding/base64"
	"github.com/misakey/apitest/internal/random"
	"golang.org/x/crypto/argon2"
)

const (
	saltLength = 8
	keyLength  = 32
)

// DefaultParams are the Argon2 parameters fresh passwords are hashed with.
// They are kept low as test accounts never protect anything.
var DefaultParams = Params{
	Memory:      1024,
	Iterations:  1,
	Parallelism: 1,
}

// Params are the Argon2 parameters a password was hashed with
type Params struct {
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	SaltBase64  string `json:"salt_base64"`
}

// HashedPassword is the client-side hash sent in place of a password
type HashedPassword struct {
	Params     Params `json:"params"`
	HashBase64 string `json:"hash_base64"`
}

// Hash hashes a password using the default parameters and the given base64 encoded salt
func Hash(password, saltBase64 string) (*HashedPassword, error) {
	salt, err := base64.StdEncoding.DecodeString(saltBase64)
	if err != nil {
		return nil, err
	}

	params := DefaultParams
	params.SaltBase64 = saltBase64
	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, keyLength)

	return &HashedPassword{
		Params:     params,
		HashBase64: base64.StdEncoding.EncodeToString(hash),
	}, nil
}

// New hashes a password using a fresh random salt
func New(password string) *HashedPassword {
	hashed, err := Hash(password, base64.StdEncoding.EncodeToString(random.Bytes(saltLength)))
	if err != nil {
		// The salt is always valid base64
		panic(err)
	}
	return hashed
}
