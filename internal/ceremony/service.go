// Package ceremony orchestrates registration and authentication ceremonies:
// challenge issue and consumption, credential binding, counter enforcement,
// and the lockout policy around failed authentications.
package ceremony

import (
	"context"
	"time"

	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/identity"
	kferrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/platform/id"
	"github.com/keyfold/keyfold/internal/risk"
	"github.com/keyfold/keyfold/internal/storage"
	"github.com/keyfold/keyfold/internal/token"
	"github.com/keyfold/keyfold/internal/verifier"
)

// Service is the ceremony engine. All state lives in the injected stores;
// the service itself is stateless and safe for concurrent use.
type Service struct {
	identities  storage.IdentityStore
	credentials storage.CredentialStore
	challenges  storage.ChallengeStore
	verifier    verifier.Verifier
	audit       *audit.Emitter
	tokens      *token.Issuer
	lockout     risk.LockoutConfig
	config      Config
	clock       func() time.Time
	idGenerator func() (string, error)
}

// Options wires a Service. Zero-valued optional fields get package defaults.
type Options struct {
	Identities  storage.IdentityStore
	Credentials storage.CredentialStore
	Challenges  storage.ChallengeStore
	Verifier    verifier.Verifier
	Audit       *audit.Emitter
	Tokens      *token.Issuer
	Lockout     risk.LockoutConfig
	Config      Config
	Clock       func() time.Time
	IDGenerator func() (string, error)
}

// NewService builds the ceremony engine.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = id.NewID
	}
	if opts.Lockout == (risk.LockoutConfig{}) {
		opts.Lockout = risk.DefaultLockoutConfig()
	}
	if opts.Config.ChallengeTTL <= 0 {
		opts.Config = DefaultConfig()
	}
	return &Service{
		identities:  opts.Identities,
		credentials: opts.Credentials,
		challenges:  opts.Challenges,
		verifier:    opts.Verifier,
		audit:       opts.Audit,
		tokens:      opts.Tokens,
		lockout:     opts.Lockout,
		config:      opts.Config,
		clock:       opts.Clock,
		idGenerator: opts.IDGenerator,
	}
}

// GetIdentity returns the identity for a handle.
func (s *Service) GetIdentity(ctx context.Context, handle string) (identity.Identity, error) {
	normalized := identity.NormalizeHandle(handle)
	if err := identity.ValidateHandle(normalized); err != nil {
		return identity.Identity{}, err
	}
	return s.identities.GetIdentityByHandle(ctx, normalized)
}

// GetIdentityByID returns an identity by its opaque id.
func (s *Service) GetIdentityByID(ctx context.Context, identityID string) (identity.Identity, error) {
	return s.identities.GetIdentity(ctx, identityID)
}

// UnlockIdentity clears an identity's lockout and failure counter. This is
// the operator escape hatch; locks otherwise expire on their own.
func (s *Service) UnlockIdentity(ctx context.Context, handle string) error {
	subject, err := s.GetIdentity(ctx, handle)
	if err != nil {
		return err
	}
	if err := s.identities.UnlockIdentity(ctx, subject.ID, s.clock().UTC()); err != nil {
		return err
	}
	s.emit(ctx, storage.AuditEvent{
		Type:        audit.EventAccountUnlocked,
		IdentityID:  subject.ID,
		Description: "account manually unlocked",
		Metadata:    map[string]string{"handle": subject.Handle},
	})
	return nil
}

// SweepExpired removes expired challenges. Intended for a periodic
// background loop; consumption also rejects expired challenges, so missing
// a sweep costs storage, not correctness.
func (s *Service) SweepExpired(ctx context.Context) error {
	return s.challenges.DeleteExpiredChallenges(ctx, s.clock().UTC())
}

// emit records an audit event, never failing the surrounding ceremony.
func (s *Service) emit(ctx context.Context, evt storage.AuditEvent) {
	_ = s.audit.Emit(ctx, evt)
}

func ceremonyStateError(message string) error {
	return kferrors.New(kferrors.CodeCeremonyStateInvalid, message)
}

func accountUnavailableError() error {
	return kferrors.New(kferrors.CodeAccountUnavailable, "account is inactive or locked")
}
