package auth

import (
	"context"
	"database/sql"
)

var _ Persistence = (*PGStore)(nil)

// PGStore implements Persistence over PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Load(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`select username, password_hash, role, failed_attempts, last_failed_at, locked, totp_secret, created_at
		   from identities order by created_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Identity
	for rows.Next() {
		var (
			identity   Identity
			lastFailed sql.NullTime
			totpSecret sql.NullString
		)
		if err := rows.Scan(
			&identity.Username,
			&identity.PasswordHash,
			&identity.Role,
			&identity.FailedAttempts,
			&lastFailed,
			&identity.Locked,
			&totpSecret,
			&identity.CreatedAt,
		); err != nil {
			return nil, err
		}
		if lastFailed.Valid {
			identity.LastFailedAt = lastFailed.Time
		}
		if totpSecret.Valid {
			identity.TOTPSecret = totpSecret.String
		}
		res = append(res, identity)
	}
	return res, rows.Err()
}

func (s *PGStore) Save(ctx context.Context, identity Identity) error {
	var lastFailed sql.NullTime
	if !identity.LastFailedAt.IsZero() {
		lastFailed = sql.NullTime{Time: identity.LastFailedAt, Valid: true}
	}
	var totpSecret sql.NullString
	if identity.TOTPSecret != "" {
		totpSecret = sql.NullString{String: identity.TOTPSecret, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`insert into identities(username, password_hash, role, failed_attempts, last_failed_at, locked, totp_secret, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)
		 on conflict(username) do update set
		   password_hash = excluded.password_hash,
		   role = excluded.role,
		   failed_attempts = excluded.failed_attempts,
		   last_failed_at = excluded.last_failed_at,
		   locked = excluded.locked,
		   totp_secret = excluded.totp_secret`,
		identity.Username,
		identity.PasswordHash,
		identity.Role,
		identity.FailedAttempts,
		lastFailed,
		identity.Locked,
		totpSecret,
		identity.CreatedAt,
	)
	return err
}
