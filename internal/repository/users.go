package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type UsersRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error)
}

type UsersRepositoryImpl struct {
	db *sqlx.DB
}

func NewUsersRepository(db *sqlx.DB) *UsersRepositoryImpl {
	return &UsersRepositoryImpl{db: db}
}

var _ UsersRepository = (*UsersRepositoryImpl)(nil)

// GetByAPIKey returns (nil, nil) for an unknown key.
func (r *UsersRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	var u model.User
	err := r.db.GetContext(ctx, &u, `
		SELECT id, name, email, api_key, status, rate_limit_rps, created_at, updated_at
		  FROM users
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
