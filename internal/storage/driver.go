package storage

import (
	"context"
	"github.com/misakey/apitest/internal/authnstep"
	"github.com/misakey/apitest/internal/cryptoaction"
)

// Driver represents an administrative backdoor into the backend database
type Driver interface {
	// Initialize initializes the storage driver (i.e. opens a database connection)
	Initialize(ctx context.Context) error

	// AuthnSteps provides an authentication step repository implementation
	AuthnSteps() authnstep.Repository

	// CryptoActions provides a crypto action repository implementation
	CryptoActions() cryptoaction.Repository

	// Close closes the storage driver (i.e. closes a database connection)
	Close()
}
