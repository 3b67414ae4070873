package ceremony

import (
	"context"
	"testing"

	"github.com/keyfold/keyfold/internal/audit"
	kferrors "github.com/keyfold/keyfold/internal/platform/errors"
)

func TestListCredentialsFiltersDisabled(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	subject := seedIdentity(env, "alice")
	first := seedCredential(env, subject, []byte("raw-id-1"), 5)
	seedCredential(env, subject, []byte("raw-id-2"), 7)

	if _, err := env.service.DisableCredential(ctx, "alice", first.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	active, err := env.service.ListCredentials(ctx, "alice", false)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active count = %d, want 1", len(active))
	}
	if active[0].ID == first.ID {
		t.Error("disabled credential listed as active")
	}

	all, err := env.service.ListCredentials(ctx, "alice", true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("total count = %d, want 2", len(all))
	}
	if !env.auditStore.hasEvent(audit.EventCredentialDisabled) {
		t.Errorf("missing credential_disabled event, got %v", env.auditStore.eventTypes())
	}
}

func TestDisableCredentialScopedToOwner(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	subject := seedIdentity(env, "alice")
	seedIdentity(env, "mallory")
	owned := seedCredential(env, subject, []byte("raw-id-1"), 5)

	_, err := env.service.DisableCredential(ctx, "mallory", owned.ID)
	if kferrors.GetCode(err) != kferrors.CodeNotFound {
		t.Fatalf("error code = %v, want %v", kferrors.GetCode(err), kferrors.CodeNotFound)
	}
	if !env.credentials.credentials[owned.ID].Active {
		t.Error("credential should remain active")
	}
}

func TestDisableCredentialIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	subject := seedIdentity(env, "alice")
	owned := seedCredential(env, subject, []byte("raw-id-1"), 5)

	if _, err := env.service.DisableCredential(ctx, "alice", owned.ID); err != nil {
		t.Fatalf("first disable: %v", err)
	}
	if _, err := env.service.DisableCredential(ctx, "alice", owned.ID); err != nil {
		t.Fatalf("second disable should be a no-op success: %v", err)
	}
}
