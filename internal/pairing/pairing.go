// Package pairing coordinates cross-device credential enrollment: a primary
// device opens a short-lived session rendered as a QR payload, and a second
// device redeems it to run a registration ceremony for the same identity.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/ceremony"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/identity"
	kferrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/storage"
)

// codeSize is the entropy of a session code in bytes. The code is the only
// secret linking the two devices, so it carries challenge-grade entropy.
const codeSize = 32

// Enroller is the slice of the ceremony engine pairing needs.
type Enroller interface {
	GetIdentity(ctx context.Context, handle string) (identity.Identity, error)
	GetIdentityByID(ctx context.Context, identityID string) (identity.Identity, error)
	BeginRegistration(ctx context.Context, input ceremony.BeginRegistrationInput) (ceremony.BeginRegistrationOutput, error)
	CompleteRegistration(ctx context.Context, input ceremony.CompleteRegistrationInput) (credential.Credential, error)
}

// Coordinator manages pairing sessions.
type Coordinator struct {
	sessions      storage.PairingStore
	ceremonies    Enroller
	audit         *audit.Emitter
	config        Config
	clock         func() time.Time
	codeGenerator func() (string, error)
}

// Options wires a Coordinator. Zero-valued optional fields get package
// defaults.
type Options struct {
	Sessions      storage.PairingStore
	Ceremonies    Enroller
	Audit         *audit.Emitter
	Config        Config
	Clock         func() time.Time
	CodeGenerator func() (string, error)
}

// NewCoordinator builds a pairing coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.CodeGenerator == nil {
		opts.CodeGenerator = newSessionCode
	}
	defaults := DefaultConfig()
	if opts.Config.SessionTTL <= 0 {
		opts.Config.SessionTTL = defaults.SessionTTL
	}
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = defaults.PollInterval
	}
	return &Coordinator{
		sessions:      opts.Sessions,
		ceremonies:    opts.Ceremonies,
		audit:         opts.Audit,
		config:        opts.Config,
		clock:         opts.Clock,
		codeGenerator: opts.CodeGenerator,
	}
}

func newSessionCode() (string, error) {
	value := make([]byte, codeSize)
	if _, err := rand.Read(value); err != nil {
		return "", fmt.Errorf("generate session code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(value), nil
}

// Session is the client-facing view of a pairing session. PollInterval
// tells the primary device how often to call Status while it waits.
type Session struct {
	ID           string
	Status       string
	DeviceLabel  string
	QRPayload    string
	ExpiresAt    time.Time
	PollInterval time.Duration
}

func (c *Coordinator) sessionView(record storage.PairingSession, now time.Time) Session {
	view := Session{
		ID:           record.ID,
		Status:       record.Status,
		DeviceLabel:  record.DeviceLabel,
		QRPayload:    qrPayload(record.ID),
		ExpiresAt:    record.ExpiresAt,
		PollInterval: c.config.PollInterval,
	}
	if record.Status == storage.PairingStatusPending && !now.Before(record.ExpiresAt) {
		view.Status = "expired"
	}
	return view
}

func qrPayload(sessionID string) string {
	return "keyfold://pair?session=" + sessionID
}

// Start opens a pairing session for an identity. The returned QR payload is
// shown on the primary device and scanned by the one being enrolled.
func (c *Coordinator) Start(ctx context.Context, handle string) (Session, error) {
	subject, err := c.ceremonies.GetIdentity(ctx, handle)
	if err != nil {
		return Session{}, err
	}
	now := c.clock().UTC()
	if !subject.CanAuthenticate(now) {
		return Session{}, kferrors.New(kferrors.CodeAccountUnavailable, "account is inactive or locked")
	}

	code, err := c.codeGenerator()
	if err != nil {
		return Session{}, err
	}
	record := storage.PairingSession{
		ID:         code,
		IdentityID: subject.ID,
		Status:     storage.PairingStatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.config.SessionTTL),
	}
	if err := c.sessions.PutPairingSession(ctx, record); err != nil {
		return Session{}, fmt.Errorf("store pairing session: %w", err)
	}

	c.emit(ctx, storage.AuditEvent{
		Type:        audit.EventPairingStarted,
		IdentityID:  subject.ID,
		Description: "cross-device pairing session started",
		Metadata:    map[string]string{"handle": subject.Handle},
	})

	return c.sessionView(record, now), nil
}

// Status reports a session's current state. Expiry is derived from the
// clock on every read so polling devices converge without a sweeper run;
// a session observed expired is deleted on the spot.
func (c *Coordinator) Status(ctx context.Context, sessionID string) (Session, error) {
	record, err := c.sessions.GetPairingSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	view := c.sessionView(record, c.clock().UTC())
	if view.Status == "expired" {
		_ = c.sessions.DeletePairingSession(ctx, sessionID)
	}
	return view, nil
}

// BeginJoin redeems a pending session on the device being enrolled and
// starts a registration ceremony for the session's identity.
func (c *Coordinator) BeginJoin(ctx context.Context, sessionID string) (ceremony.BeginRegistrationOutput, error) {
	subject, err := c.pendingSubject(ctx, sessionID)
	if err != nil {
		return ceremony.BeginRegistrationOutput{}, err
	}
	return c.ceremonies.BeginRegistration(ctx, ceremony.BeginRegistrationInput{Handle: subject.Handle})
}

// CompleteJoin finishes the enrollment ceremony and flips the session to
// completed exactly once. A racing second completion loses with a pairing
// conflict.
func (c *Coordinator) CompleteJoin(ctx context.Context, sessionID string, response []byte, deviceLabel string) (credential.Credential, error) {
	subject, err := c.pendingSubject(ctx, sessionID)
	if err != nil {
		return credential.Credential{}, err
	}

	bound, err := c.ceremonies.CompleteRegistration(ctx, ceremony.CompleteRegistrationInput{
		Handle:   subject.Handle,
		Response: response,
		Label:    deviceLabel,
	})
	if err != nil {
		return credential.Credential{}, err
	}

	now := c.clock().UTC()
	if err := c.sessions.CompletePairingSession(ctx, sessionID, bound.Label, now); err != nil {
		return credential.Credential{}, err
	}

	c.emit(ctx, storage.AuditEvent{
		Type:        audit.EventPairingCompleted,
		IdentityID:  subject.ID,
		Description: "cross-device pairing completed",
		Metadata: map[string]string{
			"handle":        subject.Handle,
			"credential_id": credential.EncodeRawID(bound.RawID),
			"device_label":  bound.Label,
		},
	})

	return bound, nil
}

// SweepExpired removes expired pairing sessions.
func (c *Coordinator) SweepExpired(ctx context.Context) error {
	return c.sessions.DeleteExpiredPairingSessions(ctx, c.clock().UTC())
}

func (c *Coordinator) pendingSubject(ctx context.Context, sessionID string) (identity.Identity, error) {
	record, err := c.sessions.GetPairingSession(ctx, sessionID)
	if err != nil {
		return identity.Identity{}, err
	}
	now := c.clock().UTC()
	if record.Status != storage.PairingStatusPending {
		return identity.Identity{}, kferrors.New(kferrors.CodePairingSessionExpired, "pairing session already completed")
	}
	if !now.Before(record.ExpiresAt) {
		_ = c.sessions.DeletePairingSession(ctx, sessionID)
		c.emit(ctx, storage.AuditEvent{
			Type:        audit.EventPairingExpired,
			IdentityID:  record.IdentityID,
			Description: "pairing session expired before enrollment",
		})
		return identity.Identity{}, kferrors.New(kferrors.CodePairingSessionExpired, "pairing session expired")
	}

	return c.ceremonies.GetIdentityByID(ctx, record.IdentityID)
}

func (c *Coordinator) emit(ctx context.Context, evt storage.AuditEvent) {
	_ = c.audit.Emit(ctx, evt)
}
