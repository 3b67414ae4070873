package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/internal/challenge"
	"github.com/keyfold/keyfold/internal/storage"
)

func (s *Store) PutChallenge(ctx context.Context, record challenge.Challenge) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO challenges (handle, purpose, identity_id, value, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(handle, purpose) DO UPDATE SET
    identity_id = excluded.identity_id,
    value = excluded.value,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at
`,
		record.Handle,
		string(record.Purpose),
		record.IdentityID,
		record.Value,
		toMillis(record.CreatedAt),
		toMillis(record.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge deletes and returns the live challenge in one statement,
// so two racing consumers observe exactly one success.
func (s *Store) ConsumeChallenge(ctx context.Context, handle string, purpose challenge.Purpose) (challenge.Challenge, error) {
	record := challenge.Challenge{Handle: handle, Purpose: purpose}
	var createdMillis, expiresMillis int64
	err := s.sqlDB.QueryRowContext(ctx, `
DELETE FROM challenges
WHERE handle = ? AND purpose = ?
RETURNING identity_id, value, created_at, expires_at
`, handle, string(purpose)).Scan(&record.IdentityID, &record.Value, &createdMillis, &expiresMillis)
	if err == sql.ErrNoRows {
		return challenge.Challenge{}, storage.ErrNotFound
	}
	if err != nil {
		return challenge.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	record.CreatedAt = fromMillis(createdMillis)
	record.ExpiresAt = fromMillis(expiresMillis)
	return record, nil
}

func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}
