package ceremony

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/challenge"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/identity"
	kferrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/verifier"
)

func registrationAttestation(rawID []byte) verifier.Attestation {
	return verifier.Attestation{
		RawID:           rawID,
		PublicKey:       []byte("cose-public-key"),
		SignCount:       0,
		AAGUID:          []byte{0xaa},
		AttestationType: "none",
		Transports:      []string{"internal"},
		BackupEligible:  true,
		BackupState:     true,
		DeviceClass:     credential.DeviceClassPlatform,
	}
}

func TestBeginRegistrationCreatesIdentityOnFirstContact(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	out, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "Alice", DisplayName: "Alice Example"})
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if out.Identity.Handle != "alice" {
		t.Errorf("handle = %q, want normalized %q", out.Identity.Handle, "alice")
	}
	if !out.Identity.Active {
		t.Error("new identity should be active")
	}
	if len(out.OptionsJSON) == 0 {
		t.Error("expected creation options payload")
	}
	if want := env.now.Add(5 * time.Minute); !out.ExpiresAt.Equal(want) {
		t.Errorf("challenge expiry = %v, want %v", out.ExpiresAt, want)
	}
	if _, err := env.identities.GetIdentityByHandle(ctx, "alice"); err != nil {
		t.Errorf("identity not persisted: %v", err)
	}
	if !env.auditStore.hasEvent(audit.EventIdentityCreated) {
		t.Errorf("missing identity_created event, got %v", env.auditStore.eventTypes())
	}
	if !env.auditStore.hasEvent(audit.EventRegistrationStart) {
		t.Errorf("missing registration_start event, got %v", env.auditStore.eventTypes())
	}
}

func TestBeginRegistrationReusesExistingIdentity(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	first, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"})
	if err != nil {
		t.Fatalf("first begin: %v", err)
	}
	second, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"})
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if first.Identity.ID != second.Identity.ID {
		t.Errorf("identity ids differ: %q vs %q", first.Identity.ID, second.Identity.ID)
	}
	if len(env.identities.identities) != 1 {
		t.Errorf("identity count = %d, want 1", len(env.identities.identities))
	}
}

func TestBeginRegistrationRejectsInactiveIdentity(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.identities.identities["identity-1"] = identity.Identity{ID: "identity-1", Handle: "alice", Active: false}
	_, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"})
	if kferrors.GetCode(err) != kferrors.CodeAccountUnavailable {
		t.Fatalf("error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeAccountUnavailable)
	}
}

func TestBeginRegistrationRejectsInvalidHandle(t *testing.T) {
	env := newTestEnv()
	_, err := env.service.BeginRegistration(context.Background(), BeginRegistrationInput{Handle: "A B"})
	if kferrors.GetCode(err) != kferrors.CodeIdentityInvalidHandle {
		t.Fatalf("error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeIdentityInvalidHandle)
	}
}

func TestBeginRegistrationSupersedesPriorChallenge(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"}); err != nil {
		t.Fatalf("first begin: %v", err)
	}
	env.verifier.challenge = []byte("fedcba9876543210fedcba9876543210")
	if _, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"}); err != nil {
		t.Fatalf("second begin: %v", err)
	}

	record, err := env.challenges.ConsumeChallenge(ctx, "alice", challenge.PurposeRegistration)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !bytes.Equal(record.Value, env.verifier.challenge) {
		t.Error("stored challenge is not the most recently issued one")
	}
	if _, err := env.challenges.ConsumeChallenge(ctx, "alice", challenge.PurposeRegistration); err == nil {
		t.Error("only one live challenge may exist per handle and purpose")
	}
}

func TestCompleteRegistrationBindsCredential(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.verifier.finishReg = func(subject identity.Identity, challengeValue, response []byte) (verifier.Attestation, error) {
		if !bytes.Equal(challengeValue, env.verifier.challenge) {
			t.Errorf("challenge value not threaded through: %v", challengeValue)
		}
		return registrationAttestation([]byte("raw-id-1")), nil
	}

	if _, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	bound, err := env.service.CompleteRegistration(ctx, CompleteRegistrationInput{Handle: "alice", Response: []byte(`{}`)})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !bound.Active {
		t.Error("new credential should be active")
	}
	if bound.DeviceClass != credential.DeviceClassPlatform {
		t.Errorf("device class = %q", bound.DeviceClass)
	}
	if bound.Label != "Built-in authenticator" {
		t.Errorf("label = %q", bound.Label)
	}
	if bound.RiskScore == 0 {
		t.Error("fresh unused credential should carry a nonzero risk score")
	}
	stored, err := env.credentials.GetCredentialByRawID(ctx, []byte("raw-id-1"))
	if err != nil {
		t.Fatalf("credential not persisted: %v", err)
	}
	if stored.IdentityID == "" {
		t.Error("credential missing identity binding")
	}
	if !env.auditStore.hasEvent(audit.EventRegistrationSuccess) {
		t.Errorf("missing registration_success event, got %v", env.auditStore.eventTypes())
	}
}

func TestCompleteRegistrationWithoutChallenge(t *testing.T) {
	env := newTestEnv()
	_, err := env.service.CompleteRegistration(context.Background(), CompleteRegistrationInput{Handle: "alice", Response: []byte(`{}`)})
	if kferrors.GetCode(err) != kferrors.CodeCeremonyStateInvalid {
		t.Fatalf("error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeCeremonyStateInvalid)
	}
}

func TestCompleteRegistrationExpiredChallengeIsBurned(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	env.advance(5 * time.Minute)

	_, err := env.service.CompleteRegistration(ctx, CompleteRegistrationInput{Handle: "alice", Response: []byte(`{}`)})
	if kferrors.GetCode(err) != kferrors.CodeCeremonyStateInvalid {
		t.Fatalf("error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeCeremonyStateInvalid)
	}

	// Consumption is destructive even on failure.
	_, err = env.service.CompleteRegistration(ctx, CompleteRegistrationInput{Handle: "alice", Response: []byte(`{}`)})
	if kferrors.GetCode(err) != kferrors.CodeCeremonyStateInvalid {
		t.Fatalf("second attempt error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeCeremonyStateInvalid)
	}
}

func TestCompleteRegistrationVerificationFailureBurnsChallenge(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.verifier.finishReg = func(identity.Identity, []byte, []byte) (verifier.Attestation, error) {
		return verifier.Attestation{}, kferrors.New(kferrors.CodeVerificationFailed, "bad attestation")
	}
	if _, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	_, err := env.service.CompleteRegistration(ctx, CompleteRegistrationInput{Handle: "alice", Response: []byte(`{}`)})
	if kferrors.GetCode(err) != kferrors.CodeVerificationFailed {
		t.Fatalf("error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeVerificationFailed)
	}
	if !env.auditStore.hasEvent(audit.EventRegistrationFailed) {
		t.Errorf("missing registration_failed event, got %v", env.auditStore.eventTypes())
	}
	if _, err := env.challenges.ConsumeChallenge(ctx, "alice", challenge.PurposeRegistration); err == nil {
		t.Error("challenge should be consumed despite failure")
	}
}

func TestCompleteRegistrationRejectsDuplicateRawID(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.verifier.finishReg = func(identity.Identity, []byte, []byte) (verifier.Attestation, error) {
		return registrationAttestation([]byte("raw-id-1")), nil
	}

	if _, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"}); err != nil {
		t.Fatalf("begin alice: %v", err)
	}
	if _, err := env.service.CompleteRegistration(ctx, CompleteRegistrationInput{Handle: "alice", Response: []byte(`{}`)}); err != nil {
		t.Fatalf("complete alice: %v", err)
	}

	// Same physical authenticator attempts to register under another handle.
	if _, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "mallory"}); err != nil {
		t.Fatalf("begin mallory: %v", err)
	}
	_, err := env.service.CompleteRegistration(ctx, CompleteRegistrationInput{Handle: "mallory", Response: []byte(`{}`)})
	if kferrors.GetCode(err) != kferrors.CodeCredentialDuplicate {
		t.Fatalf("error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeCredentialDuplicate)
	}
}

func TestCompleteRegistrationRegistrationChallengeCannotAuthenticate(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err := env.service.CompleteAuthentication(ctx, CompleteAuthenticationInput{Handle: "alice", Response: []byte(`{}`)})
	if kferrors.GetCode(err) != kferrors.CodeCeremonyStateInvalid {
		t.Fatalf("error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeCeremonyStateInvalid)
	}
}
