package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrKeyNotFound indicates no API key row for the given id.
var ErrKeyNotFound = errors.New("api key not found")

// Repository looks up API keys.
type Repository interface {
	GetKey(ctx context.Context, id int64) (APIKey, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed key store.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) GetKey(ctx context.Context, id int64) (APIKey, error) {
	var key APIKey
	err := r.pool.QueryRow(ctx, `
		SELECT id, label, key_hash, user_id, active
		FROM api_keys
		WHERE id = $1
	`, id).Scan(&key.ID, &key.Label, &key.KeyHash, &key.UserID, &key.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, ErrKeyNotFound
		}
		return APIKey{}, fmt.Errorf("auth: get key %d: %w", id, err)
	}
	return key, nil
}
