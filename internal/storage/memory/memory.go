// Package memory provides an in-memory store for tests and single-process
// development. One mutex guards every map, so the atomicity contracts of the
// storage interfaces hold trivially.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/keyfold/keyfold/internal/challenge"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/identity"
	"github.com/keyfold/keyfold/internal/storage"
)

type challengeKey struct {
	handle  string
	purpose challenge.Purpose
}

// Store holds all engine state in process memory.
type Store struct {
	mu          sync.Mutex
	identities  map[string]identity.Identity
	handles     map[string]string
	credentials map[string]credential.Credential
	challenges  map[challengeKey]challenge.Challenge
	pairings    map[string]storage.PairingSession
	events      []storage.AuditEvent
}

// New creates an empty store.
func New() *Store {
	return &Store{
		identities:  make(map[string]identity.Identity),
		handles:     make(map[string]string),
		credentials: make(map[string]credential.Credential),
		challenges:  make(map[challengeKey]challenge.Challenge),
		pairings:    make(map[string]storage.PairingSession),
	}
}

func (s *Store) PutIdentity(_ context.Context, record identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[record.ID] = record
	s.handles[record.Handle] = record.ID
	return nil
}

func (s *Store) GetIdentity(_ context.Context, identityID string) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[identityID]
	if !ok {
		return identity.Identity{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *Store) GetIdentityByHandle(_ context.Context, handle string) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identityID, ok := s.handles[handle]
	if !ok {
		return identity.Identity{}, storage.ErrNotFound
	}
	return s.identities[identityID], nil
}

func (s *Store) RecordAuthenticationSuccess(_ context.Context, identityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[identityID]
	if !ok {
		return storage.ErrNotFound
	}
	record.FailedAttempts = 0
	record.LockedUntil = nil
	record.LastAuthenticatedAt = &at
	record.UpdatedAt = at
	s.identities[identityID] = record
	return nil
}

func (s *Store) RecordAuthenticationFailure(_ context.Context, identityID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[identityID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	record.FailedAttempts++
	record.UpdatedAt = at
	s.identities[identityID] = record
	return record.FailedAttempts, nil
}

func (s *Store) LockIdentity(_ context.Context, identityID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[identityID]
	if !ok {
		return storage.ErrNotFound
	}
	record.LockedUntil = &until
	s.identities[identityID] = record
	return nil
}

func (s *Store) UnlockIdentity(_ context.Context, identityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.identities[identityID]
	if !ok {
		return storage.ErrNotFound
	}
	record.FailedAttempts = 0
	record.LockedUntil = nil
	record.UpdatedAt = at
	s.identities[identityID] = record
	return nil
}

func (s *Store) PutCredential(_ context.Context, record credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.credentials {
		if existing.ID != record.ID && bytes.Equal(existing.RawID, record.RawID) {
			return storage.ErrDuplicateCredential
		}
	}
	s.credentials[record.ID] = record
	return nil
}

func (s *Store) GetCredential(_ context.Context, credentialID string) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.credentials[credentialID]
	if !ok {
		return credential.Credential{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *Store) GetCredentialByRawID(_ context.Context, rawID []byte) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.credentials {
		if bytes.Equal(record.RawID, rawID) {
			return record, nil
		}
	}
	return credential.Credential{}, storage.ErrNotFound
}

func (s *Store) ListCredentials(_ context.Context, identityID string, activeOnly bool) ([]credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []credential.Credential
	for _, record := range s.credentials {
		if record.IdentityID != identityID {
			continue
		}
		if activeOnly && !record.Active {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *Store) RecordCredentialUse(_ context.Context, credentialID string, newCount uint32, usedAt time.Time, riskScore int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	if !credential.CounterAdvances(record.SignCount, newCount) {
		return storage.ErrCounterRegression
	}
	record.SignCount = newCount
	record.UsageCount++
	record.LastUsedAt = &usedAt
	record.RiskScore = riskScore
	record.UpdatedAt = usedAt
	s.credentials[credentialID] = record
	return nil
}

func (s *Store) DisableCredential(_ context.Context, credentialID, identityID string, at time.Time) (credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.credentials[credentialID]
	if !ok || record.IdentityID != identityID {
		return credential.Credential{}, storage.ErrNotFound
	}
	if record.Active {
		record.Active = false
		record.UpdatedAt = at
		s.credentials[credentialID] = record
	}
	return record, nil
}

func (s *Store) PutChallenge(_ context.Context, record challenge.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[challengeKey{record.Handle, record.Purpose}] = record
	return nil
}

func (s *Store) ConsumeChallenge(_ context.Context, handle string, purpose challenge.Purpose) (challenge.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := challengeKey{handle, purpose}
	record, ok := s.challenges[key]
	if !ok {
		return challenge.Challenge{}, storage.ErrNotFound
	}
	delete(s.challenges, key)
	return record, nil
}

func (s *Store) DeleteExpiredChallenges(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, record := range s.challenges {
		if record.Expired(now) {
			delete(s.challenges, key)
		}
	}
	return nil
}

func (s *Store) PutPairingSession(_ context.Context, session storage.PairingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairings[session.ID] = session
	return nil
}

func (s *Store) GetPairingSession(_ context.Context, sessionID string) (storage.PairingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.pairings[sessionID]
	if !ok {
		return storage.PairingSession{}, storage.ErrNotFound
	}
	return session, nil
}

func (s *Store) CompletePairingSession(_ context.Context, sessionID, deviceLabel string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.pairings[sessionID]
	if !ok || !now.Before(session.ExpiresAt) {
		return storage.ErrNotFound
	}
	if session.Status != storage.PairingStatusPending {
		return storage.ErrPairingConflict
	}
	session.Status = storage.PairingStatusCompleted
	session.DeviceLabel = deviceLabel
	s.pairings[sessionID] = session
	return nil
}

func (s *Store) DeletePairingSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pairings, sessionID)
	return nil
}

func (s *Store) DeleteExpiredPairingSessions(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.pairings {
		if !now.Before(session.ExpiresAt) {
			delete(s.pairings, id)
		}
	}
	return nil
}

func (s *Store) AppendAuditEvent(_ context.Context, event storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// AuditEvents returns a copy of the recorded events, oldest first.
func (s *Store) AuditEvents() []storage.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}
