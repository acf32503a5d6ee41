package postgres

import (
	"context"
	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/misakey/apitest/internal/cryptoaction"
	"github.com/misakey/apitest/internal/storage"
)

// CryptoActionRepository implements the cryptoaction.Repository interface using PostgreSQL
type CryptoActionRepository struct {
	db *pgxpool.Pool
}

var _ cryptoaction.Repository = (*CryptoActionRepository)(nil)

// Create inserts a crypto action
func (repo *CryptoActionRepository) Create(ctx context.Context, create *cryptoaction.Create) error {
	sql, args, err := storage.InsertCryptoActionQuery(create).PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return err
	}
	_, err = repo.db.Exec(ctx, sql, args...)
	return err
}
