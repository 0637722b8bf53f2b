package postgres

import (
	"context"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
)

// AssignmentRepository implements port.AssignmentRepository using PostgreSQL.
type AssignmentRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewAssignmentRepository constructs a new role assignment repository.
func NewAssignmentRepository(exec pgExecutor) *AssignmentRepository {
	return &AssignmentRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance executing within the provided transaction.
func (r *AssignmentRepository) WithTx(tx pgx.Tx) *AssignmentRepository {
	if tx == nil {
		return r
	}
	return &AssignmentRepository{
		exec:    tx,
		builder: r.builder,
	}
}

// ListByUser returns every recorded role assignment for a user.
func (r *AssignmentRepository) ListByUser(ctx context.Context, userID string) ([]domain.RoleAssignment, error) {
	stmt, args, err := r.builder.Select(
		"user_id",
		"transaction_id",
		"role_id",
		"product_id",
		"granted_at",
	).
		From("guildsync.role_assignments").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("granted_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select assignments sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("select assignments: %w", err)
	}
	defer rows.Close()

	assignments := make([]domain.RoleAssignment, 0)
	for rows.Next() {
		var assignment domain.RoleAssignment
		if err := rows.Scan(
			&assignment.UserID,
			&assignment.TransactionID,
			&assignment.RoleID,
			&assignment.ProductID,
			&assignment.GrantedAt,
		); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		assignments = append(assignments, assignment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}

	return assignments, nil
}

// Upsert records that a transaction currently grants a role. One record
// exists per (user, transaction) pair.
func (r *AssignmentRepository) Upsert(ctx context.Context, assignment domain.RoleAssignment) error {
	stmt, args, err := r.builder.Insert("guildsync.role_assignments").
		Columns(
			"user_id",
			"transaction_id",
			"role_id",
			"product_id",
			"granted_at",
		).
		Values(
			assignment.UserID,
			assignment.TransactionID,
			assignment.RoleID,
			assignment.ProductID,
			assignment.GrantedAt,
		).
		Suffix(`ON CONFLICT (user_id, transaction_id) DO UPDATE SET
			role_id = EXCLUDED.role_id,
			product_id = EXCLUDED.product_id,
			granted_at = EXCLUDED.granted_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert assignment sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}

	return nil
}

// Delete removes the assignment recorded for one transaction.
func (r *AssignmentRepository) Delete(ctx context.Context, userID, transactionID string) error {
	stmt, args, err := r.builder.Delete("guildsync.role_assignments").
		Where(squirrel.Eq{"user_id": userID, "transaction_id": transactionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete assignment sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}

	return nil
}

// DeleteAllForUser removes every assignment for a user and reports how many
// records were deleted.
func (r *AssignmentRepository) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	stmt, args, err := r.builder.Delete("guildsync.role_assignments").
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete assignments sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete assignments: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

var _ port.AssignmentRepository = (*AssignmentRepository)(nil)
