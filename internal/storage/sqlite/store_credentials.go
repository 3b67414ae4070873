package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/storage"
)

const credentialColumns = `id, identity_id, raw_id, public_key, sign_count, active, usage_count, last_used_at, risk_score, label, aaguid, attestation_type, transports, backup_eligible, backup_state, device_class, created_at, updated_at`

func (s *Store) PutCredential(ctx context.Context, record credential.Credential) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO credentials (id, identity_id, raw_id, public_key, sign_count, active, usage_count, last_used_at, risk_score, label, aaguid, attestation_type, transports, backup_eligible, backup_state, device_class, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.IdentityID,
		record.RawID,
		record.PublicKey,
		record.SignCount,
		boolToInt(record.Active),
		record.UsageCount,
		toNullMillis(record.LastUsedAt),
		record.RiskScore,
		record.Label,
		record.AAGUID,
		record.AttestationType,
		joinTransports(record.Transports),
		boolToInt(record.BackupEligible),
		boolToInt(record.BackupState),
		record.DeviceClass,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateCredential
		}
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, credentialID string) (credential.Credential, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, credentialID)
	return scanCredential(row)
}

func (s *Store) GetCredentialByRawID(ctx context.Context, rawID []byte) (credential.Credential, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE raw_id = ?`, rawID)
	return scanCredential(row)
}

func (s *Store) ListCredentials(ctx context.Context, identityID string, activeOnly bool) ([]credential.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE identity_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.sqlDB.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []credential.Credential
	for rows.Next() {
		record, err := scanCredentialRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

// RecordCredentialUse is the sign-count compare-and-set. The counter guard
// lives in the WHERE clause so concurrent updates serialize inside SQLite
// itself; a rejected update touches nothing.
func (s *Store) RecordCredentialUse(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time, riskScore int) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials
SET sign_count = ?, usage_count = usage_count + 1, last_used_at = ?, risk_score = ?, updated_at = ?
WHERE id = ? AND (sign_count < ? OR (sign_count = 0 AND ? = 0))
`, newCount, toMillis(usedAt), riskScore, toMillis(usedAt), credentialID, newCount, newCount)
	if err != nil {
		return fmt.Errorf("record credential use: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a missing credential from a rejected counter.
	var exists int
	err = s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE id = ?`, credentialID).Scan(&exists)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check credential: %w", err)
	}
	return storage.ErrCounterRegression
}

func (s *Store) DisableCredential(ctx context.Context, credentialID, identityID string, at time.Time) (credential.Credential, error) {
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE credentials SET active = 0, updated_at = ? WHERE id = ? AND identity_id = ? AND active = 1
`, toMillis(at), credentialID, identityID)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("disable credential: %w", err)
	}

	record, err := s.GetCredential(ctx, credentialID)
	if err != nil {
		return credential.Credential{}, err
	}
	if record.IdentityID != identityID {
		return credential.Credential{}, storage.ErrNotFound
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row *sql.Row) (credential.Credential, error) {
	record, err := scanCredentialRow(row)
	if err == sql.ErrNoRows {
		return credential.Credential{}, storage.ErrNotFound
	}
	return record, err
}

func scanCredentialRow(row rowScanner) (credential.Credential, error) {
	var (
		record                              credential.Credential
		active, backupEligible, backupState int
		lastUsedAt                          sql.NullInt64
		transports                          string
		createdMillis, updatedMillis        int64
	)
	err := row.Scan(
		&record.ID,
		&record.IdentityID,
		&record.RawID,
		&record.PublicKey,
		&record.SignCount,
		&active,
		&record.UsageCount,
		&lastUsedAt,
		&record.RiskScore,
		&record.Label,
		&record.AAGUID,
		&record.AttestationType,
		&transports,
		&backupEligible,
		&backupState,
		&record.DeviceClass,
		&createdMillis,
		&updatedMillis,
	)
	if err == sql.ErrNoRows {
		return credential.Credential{}, err
	}
	if err != nil {
		return credential.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	record.Active = active != 0
	record.BackupEligible = backupEligible != 0
	record.BackupState = backupState != 0
	record.LastUsedAt = fromNullMillis(lastUsedAt)
	record.Transports = splitTransports(transports)
	record.CreatedAt = fromMillis(createdMillis)
	record.UpdatedAt = fromMillis(updatedMillis)
	return record, nil
}

func joinTransports(transports []string) string {
	return strings.Join(transports, ",")
}

func splitTransports(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
