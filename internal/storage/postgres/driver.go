package postgres

import (
	"context"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/misakey/apitest/internal/authnstep"
	"github.com/misakey/apitest/internal/cryptoaction"
	"github.com/misakey/apitest/internal/storage"
)

// Driver represents the PostgreSQL storage driver implementation
type Driver struct {
	dsn           string
	db            *pgxpool.Pool
	authnSteps    *AuthnStepRepository
	cryptoActions *CryptoActionRepository
}

var _ storage.Driver = (*Driver)(nil)

// New creates a new empty PostgreSQL storage driver.
// Use Initialize to open the database connection and initialize the repository implementations.
func New(dsn string) *Driver {
	return &Driver{
		dsn: dsn,
	}
}

// Initialize opens the database connection and initializes the repository implementations.
// The schema is owned by the backend, so no migrations are performed.
func (driver *Driver) Initialize(ctx context.Context) error {
	// Initialize the database connection pool
	pool, err := pgxpool.Connect(ctx, driver.dsn)
	if err != nil {
		return err
	}
	driver.db = pool

	// Initialize the repository implementations
	driver.authnSteps = &AuthnStepRepository{db: pool}
	driver.cryptoActions = &CryptoActionRepository{db: pool}

	return nil
}

// AuthnSteps provides the PostgreSQL authentication step repository implementation
func (driver *Driver) AuthnSteps() authnstep.Repository {
	return driver.authnSteps
}

// CryptoActions provides the PostgreSQL crypto action repository implementation
func (driver *Driver) CryptoActions() cryptoaction.Repository {
	return driver.cryptoActions
}

// Close closes the database connection
func (driver *Driver) Close() {
	if driver.db != nil {
		driver.db.Close()
	}
}
