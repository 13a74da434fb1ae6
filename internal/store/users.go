package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/presenced/presenced/internal/postgres"
)

const userColumns = `identity_id, username, avatar_url, followers, following, close_friends, last_seen_ms, created_at`

// PGUserRepository implements UserRepository against PostgreSQL.
type PGUserRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGUserRepository constructs a PostgreSQL-backed user and preferences repository.
func NewPGUserRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGUserRepository {
	return &PGUserRepository{db: db, log: logger}
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(
		&u.IdentityID, &u.Username, &u.AvatarURL,
		&u.Followers, &u.Following, &u.CloseFriends,
		&u.LastSeenMS, &u.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

// Upsert inserts a user record or updates the mutable fields if the identity already exists, grounded on the
// ON CONFLICT DO UPDATE pattern used throughout the reference store for idempotent writes on login.
func (r *PGUserRepository) Upsert(ctx context.Context, u User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (identity_id, username, avatar_url, followers, following, close_friends, last_seen_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (identity_id) DO UPDATE SET
		   username = EXCLUDED.username,
		   avatar_url = EXCLUDED.avatar_url,
		   followers = EXCLUDED.followers,
		   following = EXCLUDED.following,
		   close_friends = EXCLUDED.close_friends,
		   last_seen_ms = EXCLUDED.last_seen_ms`,
		u.IdentityID, u.Username, u.AvatarURL, u.Followers, u.Following, u.CloseFriends, u.LastSeenMS,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrUsernameTaken
		}
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetByIdentityID returns the user matching identityID, or ErrUserNotFound.
func (r *PGUserRepository) GetByIdentityID(ctx context.Context, identityID int64) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE identity_id = $1`, identityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user by identity: %w", err)
	}
	return u, nil
}

// GetByUsername returns the user matching username, or ErrUserNotFound.
func (r *PGUserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user by username: %w", err)
	}
	return u, nil
}

// SetLastSeen updates the durable last-seen timestamp, written on disconnect per the session-manager contract.
func (r *PGUserRepository) SetLastSeen(ctx context.Context, identityID int64, lastSeenMS int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET last_seen_ms = $1 WHERE identity_id = $2`, lastSeenMS, identityID)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetPreferences returns identityID's sharing preferences, defaulting to DefaultPreferences if none have been set.
func (r *PGUserRepository) GetPreferences(ctx context.Context, identityID int64) (*Preferences, error) {
	var p Preferences
	err := r.db.QueryRow(ctx,
		`SELECT identity_id, visibility_mode, share_project, share_language, share_activity
		 FROM preferences WHERE identity_id = $1`, identityID,
	).Scan(&p.IdentityID, &p.VisibilityMode, &p.ShareProject, &p.ShareLanguage, &p.ShareActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			d := DefaultPreferences(identityID)
			return &d, nil
		}
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return &p, nil
}

// UpsertPreferences writes p, creating the row on first use.
func (r *PGUserRepository) UpsertPreferences(ctx context.Context, p Preferences) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO preferences (identity_id, visibility_mode, share_project, share_language, share_activity)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity_id) DO UPDATE SET
		   visibility_mode = EXCLUDED.visibility_mode,
		   share_project = EXCLUDED.share_project,
		   share_language = EXCLUDED.share_language,
		   share_activity = EXCLUDED.share_activity`,
		p.IdentityID, p.VisibilityMode, p.ShareProject, p.ShareLanguage, p.ShareActivity,
	)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
