package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/internal/identity"
	"github.com/keyfold/keyfold/internal/storage"
)

const identityColumns = `id, handle, display_name, active, verified, failed_attempts, locked_until, last_authenticated_at, created_at, updated_at`

func (s *Store) PutIdentity(ctx context.Context, record identity.Identity) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO identities (id, handle, display_name, active, verified, failed_attempts, locked_until, last_authenticated_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    handle = excluded.handle,
    display_name = excluded.display_name,
    active = excluded.active,
    verified = excluded.verified,
    failed_attempts = excluded.failed_attempts,
    locked_until = excluded.locked_until,
    last_authenticated_at = excluded.last_authenticated_at,
    updated_at = excluded.updated_at
`,
		record.ID,
		record.Handle,
		record.DisplayName,
		boolToInt(record.Active),
		boolToInt(record.Verified),
		record.FailedAttempts,
		toNullMillis(record.LockedUntil),
		toNullMillis(record.LastAuthenticatedAt),
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, identityID string) (identity.Identity, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, identityID)
	return scanIdentity(row)
}

func (s *Store) GetIdentityByHandle(ctx context.Context, handle string) (identity.Identity, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE handle = ?`, handle)
	return scanIdentity(row)
}

func (s *Store) RecordAuthenticationSuccess(ctx context.Context, identityID string, at time.Time) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities
SET failed_attempts = 0, locked_until = NULL, last_authenticated_at = ?, updated_at = ?
WHERE id = ?
`, toMillis(at), toMillis(at), identityID)
	if err != nil {
		return fmt.Errorf("record authentication success: %w", err)
	}
	return requireRow(result)
}

func (s *Store) RecordAuthenticationFailure(ctx context.Context, identityID string, at time.Time) (int, error) {
	var count int
	err := s.sqlDB.QueryRowContext(ctx, `
UPDATE identities
SET failed_attempts = failed_attempts + 1, updated_at = ?
WHERE id = ?
RETURNING failed_attempts
`, toMillis(at), identityID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record authentication failure: %w", err)
	}
	return count, nil
}

func (s *Store) LockIdentity(ctx context.Context, identityID string, until time.Time) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities SET locked_until = ?, updated_at = ? WHERE id = ?
`, toMillis(until), toMillis(until), identityID)
	if err != nil {
		return fmt.Errorf("lock identity: %w", err)
	}
	return requireRow(result)
}

func (s *Store) UnlockIdentity(ctx context.Context, identityID string, at time.Time) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE identities SET failed_attempts = 0, locked_until = NULL, updated_at = ? WHERE id = ?
`, toMillis(at), identityID)
	if err != nil {
		return fmt.Errorf("unlock identity: %w", err)
	}
	return requireRow(result)
}

func scanIdentity(row *sql.Row) (identity.Identity, error) {
	var (
		record                    identity.Identity
		active, verified          int
		lockedUntil, lastAuthAt   sql.NullInt64
		createdMillis, updatedMil int64
	)

	err := row.Scan(
		&record.ID,
		&record.Handle,
		&record.DisplayName,
		&active,
		&verified,
		&record.FailedAttempts,
		&lockedUntil,
		&lastAuthAt,
		&createdMillis,
		&updatedMil,
	)
	if err == sql.ErrNoRows {
		return identity.Identity{}, storage.ErrNotFound
	}
	if err != nil {
		return identity.Identity{}, fmt.Errorf("scan identity: %w", err)
	}
	record.Active = active != 0
	record.Verified = verified != 0
	record.LockedUntil = fromNullMillis(lockedUntil)
	record.LastAuthenticatedAt = fromNullMillis(lastAuthAt)
	record.CreatedAt = fromMillis(createdMillis)
	record.UpdatedAt = fromMillis(updatedMil)
	return record, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
