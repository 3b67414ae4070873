package ceremony

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/challenge"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/identity"
	"github.com/keyfold/keyfold/internal/risk"
	"github.com/keyfold/keyfold/internal/storage"
	"github.com/keyfold/keyfold/internal/token"
	"github.com/keyfold/keyfold/internal/verifier"
)

type fakeIdentityStore struct {
	identities map[string]identity.Identity
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{identities: make(map[string]identity.Identity)}
}

func (s *fakeIdentityStore) PutIdentity(_ context.Context, record identity.Identity) error {
	s.identities[record.ID] = record
	return nil
}

func (s *fakeIdentityStore) GetIdentity(_ context.Context, identityID string) (identity.Identity, error) {
	record, ok := s.identities[identityID]
	if !ok {
		return identity.Identity{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeIdentityStore) GetIdentityByHandle(_ context.Context, handle string) (identity.Identity, error) {
	for _, record := range s.identities {
		if record.Handle == handle {
			return record, nil
		}
	}
	return identity.Identity{}, storage.ErrNotFound
}

func (s *fakeIdentityStore) RecordAuthenticationSuccess(_ context.Context, identityID string, at time.Time) error {
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

func (s *fakeIdentityStore) RecordAuthenticationFailure(_ context.Context, identityID string, at time.Time) (int, error) {
	record, ok := s.identities[identityID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	record.FailedAttempts++
	record.UpdatedAt = at
	s.identities[identityID] = record
	return record.FailedAttempts, nil
}

func (s *fakeIdentityStore) LockIdentity(_ context.Context, identityID string, until time.Time) error {
	record, ok := s.identities[identityID]
	if !ok {
		return storage.ErrNotFound
	}
	record.LockedUntil = &until
	s.identities[identityID] = record
	return nil
}

func (s *fakeIdentityStore) UnlockIdentity(_ context.Context, identityID string, at time.Time) error {
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

type fakeCredentialStore struct {
	credentials map[string]credential.Credential
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{credentials: make(map[string]credential.Credential)}
}

func (s *fakeCredentialStore) PutCredential(_ context.Context, record credential.Credential) error {
	for _, existing := range s.credentials {
		if bytes.Equal(existing.RawID, record.RawID) {
			return storage.ErrDuplicateCredential
		}
	}
	s.credentials[record.ID] = record
	return nil
}

func (s *fakeCredentialStore) GetCredential(_ context.Context, credentialID string) (credential.Credential, error) {
	record, ok := s.credentials[credentialID]
	if !ok {
		return credential.Credential{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeCredentialStore) GetCredentialByRawID(_ context.Context, rawID []byte) (credential.Credential, error) {
	for _, record := range s.credentials {
		if bytes.Equal(record.RawID, rawID) {
			return record, nil
		}
	}
	return credential.Credential{}, storage.ErrNotFound
}

func (s *fakeCredentialStore) ListCredentials(_ context.Context, identityID string, activeOnly bool) ([]credential.Credential, error) {
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

func (s *fakeCredentialStore) RecordCredentialUse(_ context.Context, credentialID string, newCount uint32, usedAt time.Time, riskScore int) error {
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

func (s *fakeCredentialStore) DisableCredential(_ context.Context, credentialID, identityID string, at time.Time) (credential.Credential, error) {
	record, ok := s.credentials[credentialID]
	if !ok || record.IdentityID != identityID {
		return credential.Credential{}, storage.ErrNotFound
	}
	record.Active = false
	record.UpdatedAt = at
	s.credentials[credentialID] = record
	return record, nil
}

type challengeKey struct {
	handle  string
	purpose challenge.Purpose
}

type fakeChallengeStore struct {
	challenges map[challengeKey]challenge.Challenge
}

func newFakeChallengeStore() *fakeChallengeStore {
	return &fakeChallengeStore{challenges: make(map[challengeKey]challenge.Challenge)}
}

func (s *fakeChallengeStore) PutChallenge(_ context.Context, record challenge.Challenge) error {
	s.challenges[challengeKey{record.Handle, record.Purpose}] = record
	return nil
}

func (s *fakeChallengeStore) ConsumeChallenge(_ context.Context, handle string, purpose challenge.Purpose) (challenge.Challenge, error) {
	key := challengeKey{handle, purpose}
	record, ok := s.challenges[key]
	if !ok {
		return challenge.Challenge{}, storage.ErrNotFound
	}
	delete(s.challenges, key)
	return record, nil
}

func (s *fakeChallengeStore) DeleteExpiredChallenges(_ context.Context, now time.Time) error {
	for key, record := range s.challenges {
		if record.Expired(now) {
			delete(s.challenges, key)
		}
	}
	return nil
}

type fakeAuditStore struct {
	events []storage.AuditEvent
}

func (s *fakeAuditStore) AppendAuditEvent(_ context.Context, event storage.AuditEvent) error {
	s.events = append(s.events, event)
	return nil
}

func (s *fakeAuditStore) eventTypes() []string {
	out := make([]string, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Type)
	}
	return out
}

func (s *fakeAuditStore) hasEvent(eventType string) bool {
	for _, event := range s.events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// fakeVerifier hands out a fixed challenge and delegates the finish phases
// to configurable hooks.
type fakeVerifier struct {
	challenge  []byte
	finishReg  func(subject identity.Identity, challengeValue, response []byte) (verifier.Attestation, error)
	finishAuth func(subject identity.Identity, challengeValue, response []byte, allowed []credential.Credential) (verifier.Assertion, error)
}

func (f *fakeVerifier) BeginRegistration(identity.Identity, []credential.Credential) (verifier.Request, error) {
	return verifier.Request{OptionsJSON: []byte(`{"publicKey":{}}`), Challenge: f.challenge}, nil
}

func (f *fakeVerifier) FinishRegistration(subject identity.Identity, challengeValue, response []byte) (verifier.Attestation, error) {
	if f.finishReg == nil {
		return verifier.Attestation{}, fmt.Errorf("unexpected FinishRegistration call")
	}
	return f.finishReg(subject, challengeValue, response)
}

func (f *fakeVerifier) BeginAuthentication(identity.Identity, []credential.Credential) (verifier.Request, error) {
	return verifier.Request{OptionsJSON: []byte(`{"publicKey":{}}`), Challenge: f.challenge}, nil
}

func (f *fakeVerifier) FinishAuthentication(subject identity.Identity, challengeValue, response []byte, allowed []credential.Credential) (verifier.Assertion, error) {
	if f.finishAuth == nil {
		return verifier.Assertion{}, fmt.Errorf("unexpected FinishAuthentication call")
	}
	return f.finishAuth(subject, challengeValue, response, allowed)
}

type testEnv struct {
	service     *Service
	identities  *fakeIdentityStore
	credentials *fakeCredentialStore
	challenges  *fakeChallengeStore
	auditStore  *fakeAuditStore
	verifier    *fakeVerifier
	now         time.Time
}

func newTestEnv() *testEnv {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{
		identities:  newFakeIdentityStore(),
		credentials: newFakeCredentialStore(),
		challenges:  newFakeChallengeStore(),
		auditStore:  &fakeAuditStore{},
		verifier:    &fakeVerifier{challenge: []byte("0123456789abcdef0123456789abcdef")},
		now:         now,
	}

	tokens := token.NewIssuer(token.Config{Secret: "test-secret", Issuer: "keyfold-test", TTL: 15 * time.Minute})

	sequence := 0
	env.service = NewService(Options{
		Identities:  env.identities,
		Credentials: env.credentials,
		Challenges:  env.challenges,
		Verifier:    env.verifier,
		Audit:       audit.NewEmitter(env.auditStore),
		Tokens:      tokens,
		Lockout:     risk.DefaultLockoutConfig(),
		Config:      Config{ChallengeTTL: 5 * time.Minute},
		Clock:       func() time.Time { return env.now },
		IDGenerator: func() (string, error) {
			sequence++
			return fmt.Sprintf("generated-%d", sequence), nil
		},
	})
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}
