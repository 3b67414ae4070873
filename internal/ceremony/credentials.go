package ceremony

import (
	"context"

	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/risk"
	"github.com/keyfold/keyfold/internal/storage"
)

// ListCredentials returns an identity's credentials. Disabled credentials
// are included only when requested; they never participate in ceremonies.
func (s *Service) ListCredentials(ctx context.Context, handle string, includeDisabled bool) ([]credential.Credential, error) {
	subject, err := s.GetIdentity(ctx, handle)
	if err != nil {
		return nil, err
	}
	return s.credentials.ListCredentials(ctx, subject.ID, !includeDisabled)
}

// DisableCredential soft-deletes a credential owned by the handle's
// identity. The binding and its audit history survive; only eligibility for
// ceremonies is revoked.
func (s *Service) DisableCredential(ctx context.Context, handle, credentialID string) (credential.Credential, error) {
	subject, err := s.GetIdentity(ctx, handle)
	if err != nil {
		return credential.Credential{}, err
	}

	disabled, err := s.credentials.DisableCredential(ctx, credentialID, subject.ID, s.clock().UTC())
	if err != nil {
		return credential.Credential{}, err
	}

	s.emit(ctx, storage.AuditEvent{
		Type:        audit.EventCredentialDisabled,
		IdentityID:  subject.ID,
		Description: "credential disabled by request",
		RiskLevel:   string(risk.LevelLow),
		Metadata: map[string]string{
			"handle":        subject.Handle,
			"credential_id": credential.EncodeRawID(disabled.RawID),
		},
	})

	return disabled, nil
}
