package docker

import (
	"context"
	"encoding/json"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/authnstep"
	"github.com/misakey/apitest/internal/cryptoaction"
	"github.com/misakey/apitest/internal/storage"
)

// AuthnStepRepository implements the authnstep.Repository interface using psql
type AuthnStepRepository struct {
	driver *Driver
}

var _ authnstep.Repository = (*AuthnStepRepository)(nil)

// LatestMetadata retrieves the metadata of the most recent authentication step of an identity
func (repo *AuthnStepRepository) LatestMetadata(ctx context.Context, identityID string) (json.RawMessage, error) {
	if _, err := uuid.Parse(identityID); err != nil {
		return nil, err
	}
	out, err := repo.driver.query(ctx, storage.LatestAuthnStepMetadataQuery(identityID))
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return json.RawMessage(out), nil
}

// CryptoActionRepository implements the cryptoaction.Repository interface using psql
type CryptoActionRepository struct {
	driver *Driver
}

var _ cryptoaction.Repository = (*CryptoActionRepository)(nil)

// Create inserts a crypto action
func (repo *CryptoActionRepository) Create(ctx context.Context, create *cryptoaction.Create) error {
	_, err := repo.driver.query(ctx, storage.InsertCryptoActionQuery(create))
	return err
}
