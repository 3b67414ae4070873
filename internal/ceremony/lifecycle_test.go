package ceremony

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/identity"
	kferrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/risk"
	"github.com/keyfold/keyfold/internal/storage/memory"
	"github.com/keyfold/keyfold/internal/token"
	"github.com/keyfold/keyfold/internal/verifier"
)

// TestCredentialLifecycle walks one identity through the whole arc over a
// single shared store: first contact, registration at counter zero, a real
// authentication that moves the counter, and finally a stale assertion that
// trips the clone response.
func TestCredentialLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fake := &fakeVerifier{challenge: []byte("0123456789abcdef0123456789abcdef")}

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sequence := 0
	service := NewService(Options{
		Identities:  store,
		Credentials: store,
		Challenges:  store,
		Verifier:    fake,
		Audit:       audit.NewEmitter(store),
		Tokens:      token.NewIssuer(token.Config{Secret: "test-secret", Issuer: "keyfold-test", TTL: 15 * time.Minute}),
		Lockout:     risk.DefaultLockoutConfig(),
		Config:      Config{ChallengeTTL: 5 * time.Minute},
		Clock:       func() time.Time { return now },
		IDGenerator: func() (string, error) {
			sequence++
			return fmt.Sprintf("generated-%d", sequence), nil
		},
	})

	// Nobody called alice yet.
	_, err := service.BeginAuthentication(ctx, BeginAuthenticationInput{Handle: "alice"})
	if kferrors.GetCode(err) != kferrors.CodeNotFound {
		t.Fatalf("unknown handle error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeNotFound)
	}

	// First registration contact creates the identity.
	begin, err := service.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if begin.Identity.Verified {
		t.Error("fresh identity should start unverified")
	}

	// An identity without credentials cannot authenticate yet.
	_, err = service.BeginAuthentication(ctx, BeginAuthenticationInput{Handle: "alice"})
	if kferrors.GetCode(err) != kferrors.CodeCredentialsNone {
		t.Fatalf("credentialless error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeCredentialsNone)
	}

	fake.finishReg = func(_ identity.Identity, _, _ []byte) (verifier.Attestation, error) {
		return verifier.Attestation{
			RawID:       []byte("raw-id-alice"),
			PublicKey:   []byte("cose-public-key"),
			SignCount:   0,
			Transports:  []string{"usb"},
			DeviceClass: credential.DeviceClassCrossPlatform,
		}, nil
	}
	registered, err := service.CompleteRegistration(ctx, CompleteRegistrationInput{Handle: "alice", Response: []byte(`{}`)})
	if err != nil {
		t.Fatalf("complete registration: %v", err)
	}
	if registered.SignCount != 0 {
		t.Fatalf("registered sign count = %d, want 0", registered.SignCount)
	}

	// A live authentication moves the counter from 0 to 1.
	fake.finishAuth = func(_ identity.Identity, _, _ []byte, _ []credential.Credential) (verifier.Assertion, error) {
		return verifier.Assertion{RawID: []byte("raw-id-alice"), NewSignCount: 1}, nil
	}
	if _, err := service.BeginAuthentication(ctx, BeginAuthenticationInput{Handle: "alice"}); err != nil {
		t.Fatalf("begin authentication: %v", err)
	}
	out, err := service.CompleteAuthentication(ctx, CompleteAuthenticationInput{Handle: "alice", Response: []byte(`{}`)})
	if err != nil {
		t.Fatalf("complete authentication: %v", err)
	}
	if out.AccessToken == "" {
		t.Error("expected an access token")
	}
	stored, err := store.GetCredential(ctx, registered.ID)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if stored.SignCount != 1 {
		t.Errorf("stored sign count = %d, want 1", stored.SignCount)
	}
	if stored.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", stored.UsageCount)
	}
	if out.Identity.FailedAttempts != 0 {
		t.Errorf("failed attempts = %d, want 0", out.Identity.FailedAttempts)
	}

	// The same counter coming back again reads as a cloned authenticator.
	if _, err := service.BeginAuthentication(ctx, BeginAuthenticationInput{Handle: "alice"}); err != nil {
		t.Fatalf("begin replayed authentication: %v", err)
	}
	_, err = service.CompleteAuthentication(ctx, CompleteAuthenticationInput{Handle: "alice", Response: []byte(`{}`)})
	if kferrors.GetCode(err) != kferrors.CodeCredentialCloneSuspect {
		t.Fatalf("replay error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeCredentialCloneSuspect)
	}

	stored, err = store.GetCredential(ctx, registered.ID)
	if err != nil {
		t.Fatalf("reload credential: %v", err)
	}
	if stored.Active {
		t.Error("suspect credential should be disabled")
	}
	if stored.SignCount != 1 {
		t.Errorf("stored sign count after replay = %d, want unchanged 1", stored.SignCount)
	}

	found := false
	for _, event := range store.AuditEvents() {
		if event.Type == audit.EventCloneSuspected {
			found = true
			if event.RiskLevel != "critical" {
				t.Errorf("clone event risk level = %q, want critical", event.RiskLevel)
			}
		}
	}
	if !found {
		t.Error("missing clone_suspected audit event")
	}
}
