package fakeapi

import (
	"context"
	"encoding/json"
	"github.com/misakey/apitest/internal/authnstep"
	"github.com/misakey/apitest/internal/cryptoaction"
	"github.com/misakey/apitest/internal/storage"
	"time"
)

// Storage returns a database backdoor reading and writing the fake backend's state
func (server *Server) Storage() storage.Driver {
	return &storageDriver{server: server}
}

type storageDriver struct {
	server *Server
}

var _ storage.Driver = (*storageDriver)(nil)

func (driver *storageDriver) Initialize(_ context.Context) error {
	return nil
}

func (driver *storageDriver) AuthnSteps() authnstep.Repository {
	return (*authnStepRepository)(driver)
}

func (driver *storageDriver) CryptoActions() cryptoaction.Repository {
	return (*cryptoActionRepository)(driver)
}

func (driver *storageDriver) Close() {
}

type authnStepRepository storageDriver

var _ authnstep.Repository = (*authnStepRepository)(nil)

// LatestMetadata renders the latest step the way the backend stores its metadata
func (repo *authnStepRepository) LatestMetadata(_ context.Context, identityID string) (json.RawMessage, error) {
	step := repo.server.latestAuthnStep(identityID)
	if step == nil {
		return nil, nil
	}
	return json.Marshal(map[string]string{"code": step.Code})
}

type cryptoActionRepository storageDriver

var _ cryptoaction.Repository = (*cryptoActionRepository)(nil)

func (repo *cryptoActionRepository) Create(_ context.Context, create *cryptoaction.Create) error {
	return repo.server.save(tableCryptoActions, &cryptoAction{
		ID:                  create.ID,
		AccountID:           create.AccountID,
		SenderIdentityID:    create.SenderIdentityID,
		Type:                create.Type,
		BoxID:               create.BoxID,
		EncryptionPublicKey: create.EncryptionPublicKey,
		Encrypted:           create.Encrypted,
		CreatedAt:           time.Now(),
	})
}
