// Package challenge provides single-use ceremony challenges.
package challenge

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Size is the number of random bytes in a challenge value.
const Size = 32

// Purpose scopes a challenge to one ceremony kind. A challenge issued for
// one purpose can never complete a ceremony of the other.
type Purpose string

const (
	PurposeRegistration   Purpose = "registration"
	PurposeAuthentication Purpose = "authentication"
)

// Challenge binds a client's cryptographic response to one server-issued
// request. Challenges are keyed by (handle, purpose): issuing a new one
// supersedes any prior live challenge for the same key, and consumption
// destroys the record whether or not the ceremony succeeds.
type Challenge struct {
	Value      []byte
	Handle     string
	IdentityID string
	Purpose    Purpose
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// New creates a fresh high-entropy challenge scoped to (handle, purpose).
func New(handle, identityID string, purpose Purpose, ttl time.Duration, now time.Time) (Challenge, error) {
	value := make([]byte, Size)
	if _, err := rand.Read(value); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge: %w", err)
	}
	created := now.UTC()
	return Challenge{
		Value:      value,
		Handle:     handle,
		IdentityID: identityID,
		Purpose:    purpose,
		CreatedAt:  created,
		ExpiresAt:  created.Add(ttl),
	}, nil
}

// FromValue wraps an externally generated challenge value in a scoped,
// time-boxed record.
func FromValue(value []byte, handle, identityID string, purpose Purpose, ttl time.Duration, now time.Time) Challenge {
	created := now.UTC()
	return Challenge{
		Value:      value,
		Handle:     handle,
		IdentityID: identityID,
		Purpose:    purpose,
		CreatedAt:  created,
		ExpiresAt:  created.Add(ttl),
	}
}

// Expired reports whether the challenge is past its expiry.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
