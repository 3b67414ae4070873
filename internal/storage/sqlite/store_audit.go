package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/keyfold/keyfold/internal/storage"
)

func (s *Store) AppendAuditEvent(ctx context.Context, event storage.AuditEvent) error {
	metadata := []byte("{}")
	if len(event.Metadata) > 0 {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = encoded
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_events (id, event_type, identity_id, description, risk_level, metadata, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		event.ID,
		event.Type,
		event.IdentityID,
		event.Description,
		event.RiskLevel,
		string(metadata),
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns an identity's events, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, identityID string, limit int) ([]storage.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, event_type, identity_id, description, risk_level, metadata, timestamp
FROM audit_events
WHERE identity_id = ?
ORDER BY timestamp DESC, id DESC
LIMIT ?
`, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []storage.AuditEvent
	for rows.Next() {
		var (
			event    storage.AuditEvent
			metadata string
			tsMillis int64
		)
		if err := rows.Scan(&event.ID, &event.Type, &event.IdentityID, &event.Description, &event.RiskLevel, &metadata, &tsMillis); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		event.Timestamp = fromMillis(tsMillis)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return out, nil
}
