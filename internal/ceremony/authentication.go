package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/challenge"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/fingerprint"
	"github.com/keyfold/keyfold/internal/identity"
	kferrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/risk"
	"github.com/keyfold/keyfold/internal/storage"
)

// BeginAuthenticationInput identifies the authenticating identity.
type BeginAuthenticationInput struct {
	Handle string
}

// BeginAuthenticationOutput carries the client-facing assertion options.
type BeginAuthenticationOutput struct {
	OptionsJSON []byte
	ExpiresAt   time.Time
}

// BeginAuthentication starts an authentication ceremony. A repeat begin for
// the same handle supersedes any prior live authentication challenge.
func (s *Service) BeginAuthentication(ctx context.Context, input BeginAuthenticationInput) (BeginAuthenticationOutput, error) {
	subject, err := s.GetIdentity(ctx, input.Handle)
	if err != nil {
		return BeginAuthenticationOutput{}, err
	}

	now := s.clock().UTC()
	if !subject.CanAuthenticate(now) {
		return BeginAuthenticationOutput{}, accountUnavailableError()
	}

	allowed, err := s.credentials.ListCredentials(ctx, subject.ID, true)
	if err != nil {
		return BeginAuthenticationOutput{}, fmt.Errorf("list credentials: %w", err)
	}
	if len(allowed) == 0 {
		return BeginAuthenticationOutput{}, kferrors.New(kferrors.CodeCredentialsNone, "identity has no active credentials")
	}

	request, err := s.verifier.BeginAuthentication(subject, allowed)
	if err != nil {
		return BeginAuthenticationOutput{}, err
	}

	record := challenge.FromValue(request.Challenge, subject.Handle, subject.ID, challenge.PurposeAuthentication, s.config.ChallengeTTL, now)
	if err := s.challenges.PutChallenge(ctx, record); err != nil {
		return BeginAuthenticationOutput{}, fmt.Errorf("store challenge: %w", err)
	}

	return BeginAuthenticationOutput{OptionsJSON: request.OptionsJSON, ExpiresAt: record.ExpiresAt}, nil
}

// CompleteAuthenticationInput carries the authenticator's assertion response.
type CompleteAuthenticationInput struct {
	Handle    string
	Response  []byte
	UserAgent string
}

// CompleteAuthenticationOutput is the result of a successful authentication.
type CompleteAuthenticationOutput struct {
	Identity    identity.Identity
	Credential  credential.Credential
	AccessToken string
	RiskScore   int
}

// CompleteAuthentication finishes an authentication ceremony. The live
// challenge is consumed up front; any verification failure afterwards counts
// against the identity's failed-attempt budget and surfaces as the same
// authentication-failed error regardless of cause.
func (s *Service) CompleteAuthentication(ctx context.Context, input CompleteAuthenticationInput) (CompleteAuthenticationOutput, error) {
	handle := identity.NormalizeHandle(input.Handle)
	if err := identity.ValidateHandle(handle); err != nil {
		return CompleteAuthenticationOutput{}, err
	}

	record, err := s.challenges.ConsumeChallenge(ctx, handle, challenge.PurposeAuthentication)
	if errors.Is(err, storage.ErrNotFound) {
		return CompleteAuthenticationOutput{}, ceremonyStateError("no live authentication challenge for handle")
	}
	if err != nil {
		return CompleteAuthenticationOutput{}, fmt.Errorf("consume challenge: %w", err)
	}

	now := s.clock().UTC()
	if record.Expired(now) {
		return CompleteAuthenticationOutput{}, ceremonyStateError("authentication challenge expired")
	}

	subject, err := s.identities.GetIdentity(ctx, record.IdentityID)
	if err != nil {
		return CompleteAuthenticationOutput{}, fmt.Errorf("load identity: %w", err)
	}
	if !subject.CanAuthenticate(now) {
		return CompleteAuthenticationOutput{}, accountUnavailableError()
	}

	allowed, err := s.credentials.ListCredentials(ctx, subject.ID, true)
	if err != nil {
		return CompleteAuthenticationOutput{}, fmt.Errorf("list credentials: %w", err)
	}
	if len(allowed) == 0 {
		return CompleteAuthenticationOutput{}, kferrors.New(kferrors.CodeCredentialsNone, "identity has no active credentials")
	}

	assertion, err := s.verifier.FinishAuthentication(subject, record.Value, input.Response, allowed)
	if err != nil {
		return CompleteAuthenticationOutput{}, s.recordAuthenticationFailure(ctx, subject, input.UserAgent, "assertion verification failed")
	}

	used, ok := matchCredential(allowed, assertion.RawID)
	if !ok {
		return CompleteAuthenticationOutput{}, s.recordAuthenticationFailure(ctx, subject, input.UserAgent, "asserted credential not bound to identity")
	}

	// The verifier's own clone signal and the store's counter check trigger
	// the same response; the store remains the authority when they disagree.
	if assertion.CloneWarning {
		return CompleteAuthenticationOutput{}, s.recordCloneSuspicion(ctx, subject, used, assertion.NewSignCount, input.UserAgent)
	}

	updated := used
	updated.SignCount = assertion.NewSignCount
	updated.UsageCount++
	updated.LastUsedAt = &now
	updated.UpdatedAt = now
	updated.RiskScore = risk.Score(updated, now)

	if err := s.credentials.RecordCredentialUse(ctx, used.ID, assertion.NewSignCount, now, updated.RiskScore); err != nil {
		if errors.Is(err, storage.ErrCounterRegression) {
			return CompleteAuthenticationOutput{}, s.recordCloneSuspicion(ctx, subject, used, assertion.NewSignCount, input.UserAgent)
		}
		return CompleteAuthenticationOutput{}, fmt.Errorf("record credential use: %w", err)
	}

	if err := s.identities.RecordAuthenticationSuccess(ctx, subject.ID, now); err != nil {
		return CompleteAuthenticationOutput{}, fmt.Errorf("record authentication success: %w", err)
	}
	subject.FailedAttempts = 0
	subject.LockedUntil = nil
	subject.LastAuthenticatedAt = &now
	subject.UpdatedAt = now

	accessToken, err := s.tokens.Mint(subject)
	if err != nil {
		return CompleteAuthenticationOutput{}, fmt.Errorf("mint access token: %w", err)
	}

	s.emit(ctx, storage.AuditEvent{
		Type:        audit.EventLoginSuccess,
		IdentityID:  subject.ID,
		Description: "authentication ceremony completed",
		Metadata: map[string]string{
			"handle":        subject.Handle,
			"credential_id": credential.EncodeRawID(used.RawID),
			"risk_score":    strconv.Itoa(updated.RiskScore),
			"device":        fingerprint.Derive(subject.Handle, input.UserAgent),
		},
	})

	return CompleteAuthenticationOutput{
		Identity:    subject,
		Credential:  updated,
		AccessToken: accessToken,
		RiskScore:   updated.RiskScore,
	}, nil
}

// recordAuthenticationFailure applies the lockout policy to one failed
// attempt and returns the uniform client-facing error. The audit trail keeps
// the real reason; the client never sees it.
func (s *Service) recordAuthenticationFailure(ctx context.Context, subject identity.Identity, userAgent, reason string) error {
	now := s.clock().UTC()
	count, err := s.identities.RecordAuthenticationFailure(ctx, subject.ID, now)
	if err != nil {
		count = subject.FailedAttempts + 1
	}
	outcome := risk.Evaluate(s.lockout, count)

	s.emit(ctx, storage.AuditEvent{
		Type:        audit.EventLoginFailed,
		IdentityID:  subject.ID,
		Description: reason,
		RiskLevel:   string(outcome.Level),
		Metadata: map[string]string{
			"handle":          subject.Handle,
			"failed_attempts": strconv.Itoa(count),
			"device":          fingerprint.Derive(subject.Handle, userAgent),
		},
	})

	if count >= s.lockout.WarnThreshold {
		s.emit(ctx, storage.AuditEvent{
			Type:        audit.EventMultipleFailures,
			IdentityID:  subject.ID,
			Description: "repeated failed authentication attempts",
			RiskLevel:   string(outcome.Level),
			Metadata:    map[string]string{"failed_attempts": strconv.Itoa(count)},
		})
	}

	if outcome.Lock {
		until := now.Add(s.lockout.LockDuration)
		if err := s.identities.LockIdentity(ctx, subject.ID, until); err == nil {
			s.emit(ctx, storage.AuditEvent{
				Type:        audit.EventAccountLocked,
				IdentityID:  subject.ID,
				Description: "account locked after repeated failures",
				RiskLevel:   string(risk.LevelHigh),
				Metadata: map[string]string{
					"handle":       subject.Handle,
					"locked_until": until.Format(time.RFC3339),
				},
			})
		}
	}

	return kferrors.New(kferrors.CodeAuthenticationFailed, "authentication failed")
}

// recordCloneSuspicion handles a signature counter that failed to advance:
// the credential is disabled on the spot and the event is flagged critical.
func (s *Service) recordCloneSuspicion(ctx context.Context, subject identity.Identity, used credential.Credential, reported uint32, userAgent string) error {
	now := s.clock().UTC()
	if _, err := s.credentials.DisableCredential(ctx, used.ID, subject.ID, now); err == nil {
		s.emit(ctx, storage.AuditEvent{
			Type:        audit.EventCredentialDisabled,
			IdentityID:  subject.ID,
			Description: "credential disabled after counter regression",
			RiskLevel:   string(risk.LevelHigh),
			Metadata:    map[string]string{"credential_id": credential.EncodeRawID(used.RawID)},
		})
	}

	s.emit(ctx, storage.AuditEvent{
		Type:        audit.EventCloneSuspected,
		IdentityID:  subject.ID,
		Description: "signature counter did not advance",
		RiskLevel:   string(risk.LevelCritical),
		Metadata: map[string]string{
			"handle":         subject.Handle,
			"credential_id":  credential.EncodeRawID(used.RawID),
			"stored_count":   strconv.FormatUint(uint64(used.SignCount), 10),
			"reported_count": strconv.FormatUint(uint64(reported), 10),
			"device":         fingerprint.Derive(subject.Handle, userAgent),
		},
	})

	return kferrors.New(kferrors.CodeCredentialCloneSuspect, "credential counter regression detected")
}

func matchCredential(candidates []credential.Credential, rawID []byte) (credential.Credential, bool) {
	for _, c := range candidates {
		if bytes.Equal(c.RawID, rawID) {
			return c, true
		}
	}
	return credential.Credential{}, false
}
