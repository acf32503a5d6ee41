package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/misakey/apitest/internal/authnstep"
	"github.com/misakey/apitest/internal/storage"
)

// AuthnStepRepository implements the authnstep.Repository interface using PostgreSQL
type AuthnStepRepository struct {
	db *pgxpool.Pool
}

var _ authnstep.Repository = (*AuthnStepRepository)(nil)

// LatestMetadata retrieves the metadata of the most recent authentication step of an identity
func (repo *AuthnStepRepository) LatestMetadata(ctx context.Context, identityID string) (json.RawMessage, error) {
	sql, args, err := storage.LatestAuthnStepMetadataQuery(identityID).PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, err
	}

	var metadata []byte
	if err := repo.db.QueryRow(ctx, sql, args...).Scan(&metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return metadata, nil
}
