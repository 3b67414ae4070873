package ceremony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/challenge"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/identity"
	kferrors "github.com/keyfold/keyfold/internal/platform/errors"
	"github.com/keyfold/keyfold/internal/risk"
	"github.com/keyfold/keyfold/internal/storage"
)

// BeginRegistrationInput identifies or describes the registering identity.
type BeginRegistrationInput struct {
	Handle      string
	DisplayName string
}

// BeginRegistrationOutput carries the client-facing creation options.
type BeginRegistrationOutput struct {
	Identity    identity.Identity
	OptionsJSON []byte
	ExpiresAt   time.Time
}

// BeginRegistration starts a registration ceremony. An unknown handle
// creates the identity on first contact; a repeat begin for the same handle
// supersedes any prior live registration challenge.
func (s *Service) BeginRegistration(ctx context.Context, input BeginRegistrationInput) (BeginRegistrationOutput, error) {
	normalized, err := identity.NormalizeCreateInput(identity.CreateInput{
		Handle:      input.Handle,
		DisplayName: input.DisplayName,
	})
	if err != nil {
		return BeginRegistrationOutput{}, err
	}

	subject, err := s.identities.GetIdentityByHandle(ctx, normalized.Handle)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		subject, err = identity.New(normalized, s.clock, s.idGenerator)
		if err != nil {
			return BeginRegistrationOutput{}, err
		}
		if err := s.identities.PutIdentity(ctx, subject); err != nil {
			return BeginRegistrationOutput{}, fmt.Errorf("create identity: %w", err)
		}
		s.emit(ctx, storage.AuditEvent{
			Type:        audit.EventIdentityCreated,
			IdentityID:  subject.ID,
			Description: "identity created on first registration",
			Metadata:    map[string]string{"handle": subject.Handle},
		})
	case err != nil:
		return BeginRegistrationOutput{}, err
	case !subject.Active:
		return BeginRegistrationOutput{}, accountUnavailableError()
	}

	exclusions, err := s.credentials.ListCredentials(ctx, subject.ID, true)
	if err != nil {
		return BeginRegistrationOutput{}, fmt.Errorf("list credentials: %w", err)
	}

	request, err := s.verifier.BeginRegistration(subject, exclusions)
	if err != nil {
		return BeginRegistrationOutput{}, err
	}

	now := s.clock().UTC()
	record := challenge.FromValue(request.Challenge, subject.Handle, subject.ID, challenge.PurposeRegistration, s.config.ChallengeTTL, now)
	if err := s.challenges.PutChallenge(ctx, record); err != nil {
		return BeginRegistrationOutput{}, fmt.Errorf("store challenge: %w", err)
	}

	s.emit(ctx, storage.AuditEvent{
		Type:        audit.EventRegistrationStart,
		IdentityID:  subject.ID,
		Description: "registration ceremony started",
		Metadata:    map[string]string{"handle": subject.Handle},
	})

	return BeginRegistrationOutput{
		Identity:    subject,
		OptionsJSON: request.OptionsJSON,
		ExpiresAt:   record.ExpiresAt,
	}, nil
}

// CompleteRegistrationInput carries the authenticator's attestation response.
type CompleteRegistrationInput struct {
	Handle   string
	Response []byte
	Label    string
}

// CompleteRegistration finishes a registration ceremony. The live challenge
// is consumed before verification, so a failed attempt still burns it.
func (s *Service) CompleteRegistration(ctx context.Context, input CompleteRegistrationInput) (credential.Credential, error) {
	handle := identity.NormalizeHandle(input.Handle)
	if err := identity.ValidateHandle(handle); err != nil {
		return credential.Credential{}, err
	}

	record, err := s.challenges.ConsumeChallenge(ctx, handle, challenge.PurposeRegistration)
	if errors.Is(err, storage.ErrNotFound) {
		return credential.Credential{}, ceremonyStateError("no live registration challenge for handle")
	}
	if err != nil {
		return credential.Credential{}, fmt.Errorf("consume challenge: %w", err)
	}

	now := s.clock().UTC()
	if record.Expired(now) {
		return credential.Credential{}, ceremonyStateError("registration challenge expired")
	}

	subject, err := s.identities.GetIdentity(ctx, record.IdentityID)
	if err != nil {
		return credential.Credential{}, fmt.Errorf("load identity: %w", err)
	}

	attestation, err := s.verifier.FinishRegistration(subject, record.Value, input.Response)
	if err != nil {
		s.emit(ctx, storage.AuditEvent{
			Type:        audit.EventRegistrationFailed,
			IdentityID:  subject.ID,
			Description: "attestation verification failed",
			RiskLevel:   string(risk.LevelMedium),
			Metadata:    map[string]string{"handle": subject.Handle},
		})
		return credential.Credential{}, kferrors.Wrap(kferrors.CodeVerificationFailed, "attestation verification failed", err)
	}

	credentialID, err := s.idGenerator()
	if err != nil {
		return credential.Credential{}, fmt.Errorf("generate credential id: %w", err)
	}

	bound := credential.Credential{
		ID:              credentialID,
		IdentityID:      subject.ID,
		RawID:           attestation.RawID,
		PublicKey:       attestation.PublicKey,
		SignCount:       attestation.SignCount,
		Active:          true,
		Label:           credentialLabel(input.Label, attestation.DeviceClass),
		AAGUID:          attestation.AAGUID,
		AttestationType: attestation.AttestationType,
		Transports:      attestation.Transports,
		BackupEligible:  attestation.BackupEligible,
		BackupState:     attestation.BackupState,
		DeviceClass:     attestation.DeviceClass,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	bound.RiskScore = risk.Score(bound, now)

	if err := s.credentials.PutCredential(ctx, bound); err != nil {
		if errors.Is(err, storage.ErrDuplicateCredential) {
			s.emit(ctx, storage.AuditEvent{
				Type:        audit.EventRegistrationFailed,
				IdentityID:  subject.ID,
				Description: "authenticator already registered",
				RiskLevel:   string(risk.LevelMedium),
				Metadata: map[string]string{
					"handle":        subject.Handle,
					"credential_id": credential.EncodeRawID(attestation.RawID),
				},
			})
			return credential.Credential{}, kferrors.Wrap(kferrors.CodeCredentialDuplicate, "authenticator already registered", err)
		}
		return credential.Credential{}, fmt.Errorf("store credential: %w", err)
	}

	s.emit(ctx, storage.AuditEvent{
		Type:        audit.EventRegistrationSuccess,
		IdentityID:  subject.ID,
		Description: "credential registered",
		Metadata: map[string]string{
			"handle":        subject.Handle,
			"credential_id": credential.EncodeRawID(bound.RawID),
			"device_class":  bound.DeviceClass,
		},
	})

	return bound, nil
}

func credentialLabel(requested, deviceClass string) string {
	if requested != "" {
		return requested
	}
	if deviceClass == credential.DeviceClassPlatform {
		return "Built-in authenticator"
	}
	return "Security key"
}
