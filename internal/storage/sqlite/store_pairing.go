package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/internal/storage"
)

func (s *Store) PutPairingSession(ctx context.Context, session storage.PairingSession) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO pairing_sessions (id, identity_id, status, device_label, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    identity_id = excluded.identity_id,
    status = excluded.status,
    device_label = excluded.device_label,
    expires_at = excluded.expires_at
`,
		session.ID,
		session.IdentityID,
		session.Status,
		session.DeviceLabel,
		toMillis(session.CreatedAt),
		toMillis(session.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put pairing session: %w", err)
	}
	return nil
}

func (s *Store) GetPairingSession(ctx context.Context, sessionID string) (storage.PairingSession, error) {
	session := storage.PairingSession{ID: sessionID}
	var createdMillis, expiresMillis int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT identity_id, status, device_label, created_at, expires_at
FROM pairing_sessions WHERE id = ?
`, sessionID).Scan(&session.IdentityID, &session.Status, &session.DeviceLabel, &createdMillis, &expiresMillis)
	if err == sql.ErrNoRows {
		return storage.PairingSession{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.PairingSession{}, fmt.Errorf("get pairing session: %w", err)
	}
	session.CreatedAt = fromMillis(createdMillis)
	session.ExpiresAt = fromMillis(expiresMillis)
	return session, nil
}

// CompletePairingSession flips pending to completed with the status guard in
// the WHERE clause, making the transition write-once under concurrency.
func (s *Store) CompletePairingSession(ctx context.Context, sessionID, deviceLabel string, now time.Time) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE pairing_sessions
SET status = ?, device_label = ?
WHERE id = ? AND status = ? AND expires_at > ?
`, storage.PairingStatusCompleted, deviceLabel, sessionID, storage.PairingStatusPending, toMillis(now))
	if err != nil {
		return fmt.Errorf("complete pairing session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	session, err := s.GetPairingSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != storage.PairingStatusPending {
		return storage.ErrPairingConflict
	}
	return storage.ErrNotFound
}

func (s *Store) DeletePairingSession(ctx context.Context, sessionID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pairing_sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete pairing session: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredPairingSessions(ctx context.Context, now time.Time) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pairing_sessions WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired pairing sessions: %w", err)
	}
	return nil
}
