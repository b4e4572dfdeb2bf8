package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/infra/storage"
)

var _ annotation.ProfileRepository = (*profileStore)(nil)

// profileStore implements annotation.ProfileRepository on the user_profiles table.
type profileStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewProfileStore creates a PostgreSQL-backed profile repository.
func NewProfileStore(pool *pgxpool.Pool, tracer trace.Tracer) *profileStore {
	return &profileStore{db: pool, tracer: tracer}
}

const (
	getProfileQuery = `SELECT user_id, email, role FROM user_profiles WHERE user_id = $1`

	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	// A stored email is only replaced when the token carries a non-empty one.
	ensureProfileQuery = `
INSERT INTO user_profiles (user_id, email)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE user_profiles.email END
RETURNING user_id, email, role`

	updateRoleQuery = `
UPDATE user_profiles
SET role = $2, updated_at = NOW()
WHERE user_id = $1`
)

// GetProfile loads the profile for userID.
func (s *profileStore) GetProfile(ctx context.Context, userID string) (*annotation.Profile, error) {
	attrs := dbAttrs(attribute.String("user_id", userID))

	var p *annotation.Profile
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_profile", attrs, func(ctx context.Context) error {
		var err error
		p, err = scanProfile(s.db.QueryRow(ctx, getProfileQuery, userID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", annotation.ErrProfileNotFound, userID)
			}
			return fmt.Errorf("GetProfile query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// EnsureProfile creates a free profile for a first-time user and returns the stored profile.
func (s *profileStore) EnsureProfile(ctx context.Context, userID, email string) (*annotation.Profile, error) {
	attrs := dbAttrs(attribute.String("user_id", userID))

	return storage.QueryAndTrace(ctx, s.tracer, "postgres.ensure_profile", attrs, func(ctx context.Context) (*annotation.Profile, error) {
		p, err := scanProfile(s.db.QueryRow(ctx, ensureProfileQuery, userID, email))
		if err != nil {
			return nil, fmt.Errorf("EnsureProfile upsert error: %w", err)
		}
		return p, nil
	})
}

// UpdateRole sets the role of an existing profile.
func (s *profileStore) UpdateRole(ctx context.Context, userID string, role annotation.UserRole) error {
	attrs := dbAttrs(
		attribute.String("user_id", userID),
		attribute.String("role", role.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_role", attrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, updateRoleQuery, userID, role.String())
		if err != nil {
			return fmt.Errorf("UpdateRole update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", annotation.ErrProfileNotFound, userID)
		}
		return nil
	})
}

func scanProfile(row pgx.Row) (*annotation.Profile, error) {
	var (
		p    annotation.Profile
		role string
	)
	if err := row.Scan(&p.UserID, &p.Email, &role); err != nil {
		return nil, err
	}
	p.Role = annotation.ParseUserRole(role)
	return &p, nil
}
