package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/repository"
)

// CredentialRepository implements port.CredentialRepository using PostgreSQL.
type CredentialRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewCredentialRepository constructs a new credential repository.
func NewCredentialRepository(exec pgExecutor) *CredentialRepository {
	return &CredentialRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance executing within the provided transaction.
func (r *CredentialRepository) WithTx(tx pgx.Tx) *CredentialRepository {
	if tx == nil {
		return r
	}
	return &CredentialRepository{
		exec:    tx,
		builder: r.builder,
	}
}

// Get retrieves the credential for a user.
func (r *CredentialRepository) Get(ctx context.Context, userID string) (*domain.UserCredential, error) {
	stmt, args, err := r.builder.Select(
		"user_id",
		"external_user_id",
		"external_username",
		"access_token",
		"refresh_token",
		"expires_at",
		"joined_at",
		"created_at",
		"updated_at",
	).
		From("guildsync.discord_credentials").
		Where(squirrel.Eq{"user_id": userID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select credential sql: %w", err)
	}

	row := r.exec.QueryRow(ctx, stmt, args...)

	var (
		credential       domain.UserCredential
		externalUserID   sql.NullString
		externalUsername sql.NullString
		joinedAt         sql.NullTime
	)

	if err := row.Scan(
		&credential.UserID,
		&externalUserID,
		&externalUsername,
		&credential.AccessToken,
		&credential.RefreshToken,
		&credential.ExpiresAt,
		&joinedAt,
		&credential.CreatedAt,
		&credential.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}

	if externalUserID.Valid {
		value := externalUserID.String
		credential.ExternalUserID = &value
	}
	if externalUsername.Valid {
		value := externalUsername.String
		credential.ExternalUsername = &value
	}
	if joinedAt.Valid {
		value := joinedAt.Time
		credential.JoinedAt = &value
	}

	return &credential, nil
}

// Upsert inserts or overwrites the credential for a user. The previous
// access token is replaced, never appended.
func (r *CredentialRepository) Upsert(ctx context.Context, credential domain.UserCredential) error {
	stmt, args, err := r.builder.Insert("guildsync.discord_credentials").
		Columns(
			"user_id",
			"external_user_id",
			"external_username",
			"access_token",
			"refresh_token",
			"expires_at",
			"joined_at",
			"created_at",
			"updated_at",
		).
		Values(
			credential.UserID,
			credential.ExternalUserID,
			credential.ExternalUsername,
			credential.AccessToken,
			credential.RefreshToken,
			credential.ExpiresAt,
			credential.JoinedAt,
			credential.CreatedAt,
			credential.UpdatedAt,
		).
		Suffix(`ON CONFLICT (user_id) DO UPDATE SET
			external_user_id = EXCLUDED.external_user_id,
			external_username = EXCLUDED.external_username,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			joined_at = COALESCE(EXCLUDED.joined_at, guildsync.discord_credentials.joined_at),
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert credential sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}

	return nil
}

// Delete removes the credential for a user.
func (r *CredentialRepository) Delete(ctx context.Context, userID string) error {
	stmt, args, err := r.builder.Delete("guildsync.discord_credentials").
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete credential sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	return nil
}

// SetJoinedAt records the first successful guild join. An existing join
// timestamp is preserved.
func (r *CredentialRepository) SetJoinedAt(ctx context.Context, userID string, joinedAt time.Time) error {
	stmt, args, err := r.builder.Update("guildsync.discord_credentials").
		Set("joined_at", joinedAt).
		Set("updated_at", joinedAt).
		Where(squirrel.Eq{"user_id": userID}).
		Where(squirrel.Eq{"joined_at": nil}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build set joined_at sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("set joined_at: %w", err)
	}

	return nil
}

// ClearJoinedAt drops the join timestamp once the member has been removed
// from the guild.
func (r *CredentialRepository) ClearJoinedAt(ctx context.Context, userID string, at time.Time) error {
	stmt, args, err := r.builder.Update("guildsync.discord_credentials").
		Set("joined_at", nil).
		Set("updated_at", at).
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build clear joined_at sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("clear joined_at: %w", err)
	}

	return nil
}

var _ port.CredentialRepository = (*CredentialRepository)(nil)
