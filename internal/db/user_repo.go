package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"occasio/internal/types"
)

// UserRepository provides read-only access to the users table. The scheduling
// core never writes users; ownership lives with the user-management service.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given database
// connection.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, display_name, email, timezone, birth_date,
	anniversary_date, deleted_at`

// GetByID retrieves a user by ID, including soft-deleted users. Callers that
// care about deletion check Deleted() themselves; by the time a delivery
// record exists the user's fate no longer affects the send.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user", err)
	}
	return user, nil
}

// ListCandidates returns active users that can possibly fire the given
// trigger kind: not soft-deleted, with a destination address, and with the
// date column the kind evaluates set. The date-match itself happens in the
// trigger package; the query only narrows the scan.
func (r *UserRepository) ListCandidates(ctx context.Context, triggerKind string) ([]*types.User, error) {
	var dateColumn string
	switch triggerKind {
	case "birthday":
		dateColumn = "birth_date"
	case "anniversary":
		dateColumn = "anniversary_date"
	default:
		return nil, types.NewAppError(types.ErrCodeNotFoundTrigger, "unknown trigger kind: "+triggerKind, nil)
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE deleted_at IS NULL
		   AND email <> ''
		   AND `+dateColumn+` IS NOT NULL
		 ORDER BY id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list candidate users", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating users", err)
	}
	return users, nil
}

func scanUser(row pgx.Row) (*types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.Timezone,
		&user.BirthDate,
		&user.AnniversaryDate,
		&user.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
