package cryptoaction

import (
	"context"
)

// TypeInvitation is the type of crypto actions created when an identity is invited to a box
const TypeInvitation = "invitation"

// Repository defines the crypto action fixture repository API
type Repository interface {
	// Create inserts a crypto action
	Create(ctx context.Context, create *Create) error
}

// Create is used to insert a crypto action fixture
type Create struct {
	ID                  string
	AccountID           string
	SenderIdentityID    string
	Type                string
	BoxID               string
	EncryptionPublicKey string
	Encrypted           string
}
