// Package identity provides the account model mutated by ceremonies.
package identity

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	kferrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/platform/id"
)

var (
	// ErrEmptyHandle indicates a missing identity handle.
	ErrEmptyHandle = kferrors.New(kferrors.CodeIdentityEmptyHandle, "identity handle is required")
	// ErrInvalidHandle indicates a handle that does not match the required format.
	ErrInvalidHandle = kferrors.New(kferrors.CodeIdentityInvalidHandle, "identity handle must be 3-64 lowercase alphanumeric, dot, dash, or underscore characters")
	// ErrEmptyDisplayName indicates a missing display name.
	ErrEmptyDisplayName = kferrors.New(kferrors.CodeIdentityEmptyDisplay, "display name is required")

	handlePattern = regexp.MustCompile(`^[a-z0-9_.\-]{3,64}$`)
)

// Identity represents an account that owns credentials.
//
// The ceremony engine reads the whole record but mutates only the
// authentication-relevant fields: FailedAttempts, LockedUntil, and
// LastAuthenticatedAt.
type Identity struct {
	ID                  string
	Handle              string
	DisplayName         string
	Active              bool
	Verified            bool
	FailedAttempts      int
	LockedUntil         *time.Time
	LastAuthenticatedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CreateInput describes the metadata needed to create an identity.
type CreateInput struct {
	Handle      string
	DisplayName string
}

// Locked reports whether the identity is inside an active lockout window.
func (i Identity) Locked(now time.Time) bool {
	if i.LockedUntil == nil {
		return false
	}
	return now.Before(*i.LockedUntil)
}

// CanAuthenticate reports whether the identity may begin an authentication
// ceremony right now.
func (i Identity) CanAuthenticate(now time.Time) bool {
	return i.Active && !i.Locked(now)
}

// ValidateHandle enforces the canonical handle constraints. Handles double as
// the WebAuthn user name and the challenge scope key, so the format is strict.
func ValidateHandle(s string) error {
	if !handlePattern.MatchString(s) {
		return ErrInvalidHandle
	}
	return nil
}

// New creates an identity from validated input.
func New(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Identity, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return Identity{}, err
	}

	identityID, err := idGenerator()
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity id: %w", err)
	}

	createdAt := now().UTC()
	return Identity{
		ID:          identityID,
		Handle:      normalized.Handle,
		DisplayName: normalized.DisplayName,
		Active:      true,
		// Verification is a separate out-of-band step; a fresh identity has
		// proven possession of an authenticator, nothing more.
		Verified:  false,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// NormalizeCreateInput trims and normalizes input before validation.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	input.Handle = strings.ToLower(strings.TrimSpace(input.Handle))
	if input.Handle == "" {
		return CreateInput{}, ErrEmptyHandle
	}
	if err := ValidateHandle(input.Handle); err != nil {
		return CreateInput{}, err
	}
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	if input.DisplayName == "" {
		input.DisplayName = input.Handle
	}
	return input, nil
}

// NormalizeHandle lowercases and trims a handle for lookups.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}
