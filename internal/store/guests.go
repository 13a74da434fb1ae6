package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/presenced/presenced/internal/postgres"
)

// PGGuestRepository implements GuestRepository against PostgreSQL. It exists separately from PGUserRepository
// because guest identities never acquire a users row: they only ever occupy the ephemeral Window Set, with this
// table serving solely as a durable record of which guest usernames are currently live, so they are not handed out
// to two concurrent guests.
type PGGuestRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGGuestRepository constructs a PostgreSQL-backed guest-username repository.
func NewPGGuestRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGGuestRepository {
	return &PGGuestRepository{db: db, log: logger}
}

// Claim reserves username for a guest session. It returns ErrUsernameTaken if the name is already claimed and has
// not since been released.
func (r *PGGuestRepository) Claim(ctx context.Context, username string) error {
	// Reclaiming a previously released name only succeeds if it is still released at the moment of the update, so a
	// live name held by another guest is never stolen out from under them.
	tag, err := r.db.Exec(ctx,
		`UPDATE guest_users SET released_at = NULL WHERE username = $1 AND released_at IS NOT NULL`, username)
	if err != nil {
		return fmt.Errorf("reclaim guest username: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = r.db.Exec(ctx, `INSERT INTO guest_users (username) VALUES ($1)`, username)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("claim guest username: %w", err)
	}
	return nil
}

// Release marks username as available for reuse by a future guest.
func (r *PGGuestRepository) Release(ctx context.Context, username string) error {
	_, err := r.db.Exec(ctx, `UPDATE guest_users SET released_at = now() WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("release guest username: %w", err)
	}
	return nil
}
