// Package audit contains durable in-product audit writes for ceremony
// operations.
//
// This package owns persisted security events used for posture review and
// incident analysis. Recording is fire-and-forget from the engine's point of
// view: a failed write never fails the ceremony that produced it.
package audit

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/internal/platform/id"
	"github.com/keyfold/keyfold/internal/storage"
)

// Emitter records security audit events.
type Emitter struct {
	store storage.AuditEventStore
	clock func() time.Time
}

// NewEmitter creates a new audit event emitter.
func NewEmitter(store storage.AuditEventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records an audit event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, evt storage.AuditEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		if e.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = e.clock().UTC()
		}
	}
	if evt.ID == "" {
		generated, err := id.NewID()
		if err != nil {
			return err
		}
		evt.ID = generated
	}
	if evt.RiskLevel == "" {
		evt.RiskLevel = "low"
	}
	return e.store.AppendAuditEvent(ctx, evt)
}
