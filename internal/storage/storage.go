// Package storage defines the persistence interfaces and records the
// ceremony engine depends on. Implementations must honor the atomicity
// notes on each method; the engine's anti-replay and single-use guarantees
// are built on them.
package storage

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/internal/challenge"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/identity"
	kferrors "github.com/keyfold/keyfold/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = kferrors.New(kferrors.CodeNotFound, "record not found")

// ErrDuplicateCredential indicates a raw credential id already exists
// somewhere in the store, possibly under another identity.
var ErrDuplicateCredential = kferrors.New(kferrors.CodeCredentialDuplicate, "credential raw id already registered")

// ErrCounterRegression indicates a sign-count update that does not strictly
// advance. Callers treat it as a cloned-authenticator signal, not a normal
// failure.
var ErrCounterRegression = kferrors.New(kferrors.CodeCredentialCloneSuspect, "signature counter did not advance")

// ErrPairingConflict indicates a pairing session completion raced with
// another completion or the session already left the pending state.
var ErrPairingConflict = kferrors.New(kferrors.CodePairingSessionExpired, "pairing session is not pending")

// IdentityStore persists identity records. The failure/lock mutators must be
// atomic with respect to concurrent calls for the same identity.
type IdentityStore interface {
	PutIdentity(ctx context.Context, record identity.Identity) error
	GetIdentity(ctx context.Context, identityID string) (identity.Identity, error)
	GetIdentityByHandle(ctx context.Context, handle string) (identity.Identity, error)
	// RecordAuthenticationSuccess resets failed attempts, clears the lock,
	// and stamps last-authenticated-at in one update.
	RecordAuthenticationSuccess(ctx context.Context, identityID string, at time.Time) error
	// RecordAuthenticationFailure increments the failed-attempt counter
	// atomically and returns the new count.
	RecordAuthenticationFailure(ctx context.Context, identityID string, at time.Time) (int, error)
	LockIdentity(ctx context.Context, identityID string, until time.Time) error
	// UnlockIdentity clears the lock and failure counter regardless of count.
	UnlockIdentity(ctx context.Context, identityID string, at time.Time) error
}

// CredentialStore persists public-key credentials.
type CredentialStore interface {
	// PutCredential creates a credential. Returns ErrDuplicateCredential when
	// the raw id exists anywhere in the store.
	PutCredential(ctx context.Context, record credential.Credential) error
	GetCredential(ctx context.Context, credentialID string) (credential.Credential, error)
	GetCredentialByRawID(ctx context.Context, rawID []byte) (credential.Credential, error)
	ListCredentials(ctx context.Context, identityID string, activeOnly bool) ([]credential.Credential, error)
	// RecordCredentialUse updates sign count, usage count, last-used time,
	// and risk score in one compare-and-set update. The update is accepted
	// only when credential.CounterAdvances(stored, newCount) holds;
	// otherwise ErrCounterRegression is returned and nothing changes.
	RecordCredentialUse(ctx context.Context, credentialID string, newCount uint32, usedAt time.Time, riskScore int) error
	// DisableCredential soft-deletes a credential scoped to its owner.
	// Disabling an already-disabled credential is a no-op success.
	DisableCredential(ctx context.Context, credentialID, identityID string, at time.Time) (credential.Credential, error)
}

// ChallengeStore persists single-use ceremony challenges keyed by
// (handle, purpose).
type ChallengeStore interface {
	// PutChallenge upserts the challenge for its (handle, purpose) key,
	// superseding any prior live challenge: last-issued wins.
	PutChallenge(ctx context.Context, record challenge.Challenge) error
	// ConsumeChallenge atomically fetches and deletes the current challenge
	// for the key. Two racing consumers observe exactly one success and one
	// ErrNotFound.
	ConsumeChallenge(ctx context.Context, handle string, purpose challenge.Purpose) (challenge.Challenge, error)
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

// Pairing session states persisted by the store. Expiry is never a stored
// state; it is derived from the wall clock on every read.
const (
	PairingStatusPending   = "pending"
	PairingStatusCompleted = "completed"
)

// PairingSession is the only shared state between the two devices in a
// cross-device enrollment.
type PairingSession struct {
	ID          string
	IdentityID  string
	Status      string
	DeviceLabel string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// PairingStore persists pairing sessions.
type PairingStore interface {
	PutPairingSession(ctx context.Context, session PairingSession) error
	GetPairingSession(ctx context.Context, sessionID string) (PairingSession, error)
	// CompletePairingSession performs the write-once transition from pending
	// to completed, recording the enrolled device label. Returns
	// ErrPairingConflict when the session is no longer pending and
	// ErrNotFound when it does not exist or has expired.
	CompletePairingSession(ctx context.Context, sessionID, deviceLabel string, now time.Time) error
	DeletePairingSession(ctx context.Context, sessionID string) error
	DeleteExpiredPairingSessions(ctx context.Context, now time.Time) error
}

// AuditEvent is one append-only security event record.
type AuditEvent struct {
	ID          string
	Type        string
	IdentityID  string
	Description string
	RiskLevel   string
	Metadata    map[string]string
	Timestamp   time.Time
}

// AuditEventStore persists audit events.
type AuditEventStore interface {
	AppendAuditEvent(ctx context.Context, event AuditEvent) error
}
