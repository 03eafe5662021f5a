package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// UserRepo persists participant identities.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// GetOrCreate inserts the user on first contact and returns the stored row.
// The upsert refreshes display_name so renames propagate; ban flags are
// never touched here.
func (r *UserRepo) GetOrCreate(ctx domain.Context, userID, displayName string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetOrCreate")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "users"),
	)
	q := `INSERT INTO users (id, display_name, created_at) VALUES ($1,$2,$3)
	ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name
	RETURNING id, display_name, banned, ban_reason, created_at`
	row := r.Pool.QueryRow(ctx, q, userID, displayName, time.Now().UTC())
	var u domain.User
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Banned, &u.BanReason, &u.CreatedAt); err != nil {
		return domain.User{}, fmt.Errorf("op=users.get_or_create: %w", err)
	}
	return u, nil
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, userID string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	q := `SELECT id, display_name, banned, ban_reason, created_at FROM users WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, userID)
	var u domain.User
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Banned, &u.BanReason, &u.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=users.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=users.get: %w", err)
	}
	return u, nil
}

// SetBanned flips the ban flag and appends an audit row to bans.
func (r *UserRepo) SetBanned(ctx domain.Context, userID string, banned bool, reason string) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.SetBanned")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=users.set_banned: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx, `UPDATE users SET banned=$2, ban_reason=$3 WHERE id=$1`, userID, banned, reason)
	if err != nil {
		return fmt.Errorf("op=users.set_banned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=users.set_banned: %w", domain.ErrNotFound)
	}
	_, err = tx.Exec(ctx, `INSERT INTO bans (id, user_id, banned, reason, created_at) VALUES ($1,$2,$3,$4,$5)`,
		uuid.New().String(), userID, banned, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=users.set_banned: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=users.set_banned: %w", err)
	}
	return nil
}
