package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/presenced/presenced/internal/postgres"
)

const (
	inviteCodeLength     = 6
	inviteCodeAlphabet   = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ" // excludes 0/O and 1/I, the visually confusable pairs
	maxInviteCodeRetries = 3
)

const channelColumns = `id, name, owner_identity_id, invite_code, created_at`

// PGChannelRepository implements ChannelRepository against PostgreSQL.
type PGChannelRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGChannelRepository constructs a PostgreSQL-backed channel and membership repository.
func NewPGChannelRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGChannelRepository {
	return &PGChannelRepository{db: db, log: logger}
}

func scanChannel(row pgx.Row) (*Channel, error) {
	var c Channel
	if err := row.Scan(&c.ID, &c.Name, &c.OwnerIdentityID, &c.InviteCode, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// generateInviteCode produces a random code drawn from inviteCodeAlphabet.
func generateInviteCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(inviteCodeAlphabet)))
	buf := make([]byte, inviteCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		buf[i] = inviteCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Create inserts a new channel owned by ownerIdentityID and seats its owner as the first member with admin role.
// Invite-code generation retries up to maxInviteCodeRetries on the unlikely event of a collision.
func (r *PGChannelRepository) Create(ctx context.Context, name string, ownerIdentityID int64, ownerUsername string, maxMembers int) (*Channel, error) {
	var channel *Channel

	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		for attempt := 0; attempt < maxInviteCodeRetries; attempt++ {
			code, err := generateInviteCode()
			if err != nil {
				return fmt.Errorf("generate invite code: %w", err)
			}

			// Each attempt runs under its own savepoint so a collision does not abort the enclosing transaction.
			sp, err := tx.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin invite code savepoint: %w", err)
			}
			c, err := scanChannel(sp.QueryRow(ctx,
				`INSERT INTO channels (name, owner_identity_id, invite_code) VALUES ($1, $2, $3)
				 RETURNING `+channelColumns,
				name, ownerIdentityID, code,
			))
			if err != nil {
				_ = sp.Rollback(ctx)
				if postgres.IsUniqueViolation(err) && attempt < maxInviteCodeRetries-1 {
					continue
				}
				if postgres.IsUniqueViolation(err) {
					return ErrInviteCodeExhausted
				}
				return fmt.Errorf("insert channel: %w", err)
			}
			if err := sp.Commit(ctx); err != nil {
				return fmt.Errorf("release invite code savepoint: %w", err)
			}
			channel = c
			break
		}
		if channel == nil {
			return ErrInviteCodeExhausted
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO channel_members (channel_id, identity_id, username, role) VALUES ($1, $2, $3, $4)`,
			channel.ID, ownerIdentityID, ownerUsername, RoleAdmin,
		)
		if err != nil {
			return fmt.Errorf("seat channel owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return channel, nil
}

// GetByID returns the channel matching id, or ErrChannelNotFound.
func (r *PGChannelRepository) GetByID(ctx context.Context, id string) (*Channel, error) {
	c, err := scanChannel(r.db.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("query channel by id: %w", err)
	}
	return c, nil
}

// GetByInviteCode returns the channel matching code, or ErrChannelNotFound.
func (r *PGChannelRepository) GetByInviteCode(ctx context.Context, code string) (*Channel, error) {
	c, err := scanChannel(r.db.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE invite_code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("query channel by invite code: %w", err)
	}
	return c, nil
}

// AddMember seats identityID into channelID, enforcing the maxMembers cap by counting existing members inside the
// same transaction as the insert.
func (r *PGChannelRepository) AddMember(ctx context.Context, channelID string, identityID int64, username string, role MemberRole, maxMembers int) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM channel_members WHERE channel_id = $1`, channelID).Scan(&count); err != nil {
			return fmt.Errorf("count channel members: %w", err)
		}
		if count >= maxMembers {
			return ErrChannelFull
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO channel_members (channel_id, identity_id, username, role) VALUES ($1, $2, $3, $4)`,
			channelID, identityID, username, role,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrMembershipExists
			}
			if postgres.IsForeignKeyViolation(err) {
				return ErrChannelNotFound
			}
			return fmt.Errorf("insert channel member: %w", err)
		}
		return nil
	})
}

// RemoveMember removes identityID's membership in channelID.
func (r *PGChannelRepository) RemoveMember(ctx context.Context, channelID string, identityID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM channel_members WHERE channel_id = $1 AND identity_id = $2`, channelID, identityID)
	if err != nil {
		return fmt.Errorf("delete channel member: %w", err)
	}
	return nil
}

// IsMember reports whether identityID currently belongs to channelID.
func (r *PGChannelRepository) IsMember(ctx context.Context, channelID string, identityID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = $1 AND identity_id = $2)`,
		channelID, identityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check channel membership: %w", err)
	}
	return exists, nil
}

// ListMembers returns every member of channelID ordered by join time.
func (r *PGChannelRepository) ListMembers(ctx context.Context, channelID string) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT channel_id, identity_id, username, role, joined_at FROM channel_members
		 WHERE channel_id = $1 ORDER BY joined_at`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query channel members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ChannelID, &m.IdentityID, &m.Username, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel members: %w", err)
	}
	return members, nil
}

// ListMembershipsFor returns the IDs of every channel identityID currently belongs to.
func (r *PGChannelRepository) ListMembershipsFor(ctx context.Context, identityID int64) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT channel_id FROM channel_members WHERE identity_id = $1`, identityID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return ids, nil
}
