// Package verifier wraps WebAuthn attestation and assertion checking behind
// a narrow interface so ceremony logic never touches protocol internals.
package verifier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/keyfold/keyfold/internal/credential"
	"github.com/keyfold/keyfold/internal/identity"
)

// Request is the client-facing half of a begin ceremony: the options payload
// handed to the browser and the challenge value the server persists.
type Request struct {
	OptionsJSON []byte
	Challenge   []byte
}

// Attestation is the verified outcome of a registration ceremony.
type Attestation struct {
	RawID           []byte
	PublicKey       []byte
	SignCount       uint32
	AAGUID          []byte
	AttestationType string
	Transports      []string
	BackupEligible  bool
	BackupState     bool
	DeviceClass     string
}

// Assertion is the verified outcome of an authentication ceremony.
type Assertion struct {
	RawID        []byte
	NewSignCount uint32
	CloneWarning bool
}

// Verifier performs the cryptographic half of a ceremony.
type Verifier interface {
	BeginRegistration(subject identity.Identity, exclusions []credential.Credential) (Request, error)
	FinishRegistration(subject identity.Identity, challengeValue, response []byte) (Attestation, error)
	BeginAuthentication(subject identity.Identity, allowed []credential.Credential) (Request, error)
	FinishAuthentication(subject identity.Identity, challengeValue, response []byte, allowed []credential.Credential) (Assertion, error)
}

// WebAuthn is the production Verifier backed by go-webauthn.
type WebAuthn struct {
	provider *webauthn.WebAuthn
}

// New builds a WebAuthn verifier for the configured relying party.
func New(cfg Config) (*WebAuthn, error) {
	provider, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &WebAuthn{provider: provider}, nil
}

// BeginRegistration produces creation options excluding already-bound
// authenticators, so a device cannot register twice for one identity.
func (w *WebAuthn) BeginRegistration(subject identity.Identity, exclusions []credential.Credential) (Request, error) {
	relying := newRelyingUser(subject, exclusions)
	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(relying.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(relying.credentials).CredentialDescriptors()))
	}
	creation, session, err := w.provider.BeginRegistration(relying, options...)
	if err != nil {
		return Request{}, fmt.Errorf("begin registration: %w", err)
	}
	return buildRequest(creation, session)
}

// FinishRegistration validates an attestation response against the issued
// challenge and returns the credential material to bind.
func (w *WebAuthn) FinishRegistration(subject identity.Identity, challengeValue, response []byte) (Attestation, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return Attestation{}, fmt.Errorf("parse attestation response: %w", err)
	}
	session := sessionData(subject, challengeValue, nil)
	verified, err := w.provider.CreateCredential(newRelyingUser(subject, nil), session, parsed)
	if err != nil {
		return Attestation{}, fmt.Errorf("verify attestation: %w", err)
	}
	return attestationFromCredential(verified), nil
}

// BeginAuthentication produces assertion options restricted to the
// identity's active credentials.
func (w *WebAuthn) BeginAuthentication(subject identity.Identity, allowed []credential.Credential) (Request, error) {
	relying := newRelyingUser(subject, allowed)
	assertion, session, err := w.provider.BeginLogin(relying)
	if err != nil {
		return Request{}, fmt.Errorf("begin authentication: %w", err)
	}
	return buildRequest(assertion, session)
}

// FinishAuthentication validates an assertion response against the issued
// challenge and the allowed credentials, returning the authenticator's
// reported signature counter.
func (w *WebAuthn) FinishAuthentication(subject identity.Identity, challengeValue, response []byte, allowed []credential.Credential) (Assertion, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return Assertion{}, fmt.Errorf("parse assertion response: %w", err)
	}
	relying := newRelyingUser(subject, allowed)
	session := sessionData(subject, challengeValue, relying.credentials)
	verified, err := w.provider.ValidateLogin(relying, session, parsed)
	if err != nil {
		return Assertion{}, fmt.Errorf("verify assertion: %w", err)
	}
	return Assertion{
		RawID:        verified.ID,
		NewSignCount: verified.Authenticator.SignCount,
		CloneWarning: verified.Authenticator.CloneWarning,
	}, nil
}

func buildRequest(options any, session *webauthn.SessionData) (Request, error) {
	payload, err := json.Marshal(options)
	if err != nil {
		return Request{}, fmt.Errorf("encode ceremony options: %w", err)
	}
	value, err := base64.RawURLEncoding.DecodeString(session.Challenge)
	if err != nil {
		return Request{}, fmt.Errorf("decode session challenge: %w", err)
	}
	return Request{OptionsJSON: payload, Challenge: value}, nil
}

// sessionData reconstructs the verification session from a stored challenge.
// Expiry is left zero: challenge lifetime is enforced by the challenge store,
// not by the protocol library.
func sessionData(subject identity.Identity, challengeValue []byte, allowed []webauthn.Credential) webauthn.SessionData {
	session := webauthn.SessionData{
		Challenge:        base64.RawURLEncoding.EncodeToString(challengeValue),
		UserID:           []byte(subject.ID),
		UserVerification: protocol.VerificationPreferred,
	}
	for _, c := range allowed {
		session.AllowedCredentialIDs = append(session.AllowedCredentialIDs, c.ID)
	}
	return session
}

func attestationFromCredential(c *webauthn.Credential) Attestation {
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return Attestation{
		RawID:           c.ID,
		PublicKey:       c.PublicKey,
		SignCount:       c.Authenticator.SignCount,
		AAGUID:          c.Authenticator.AAGUID,
		AttestationType: c.AttestationType,
		Transports:      transports,
		BackupEligible:  c.Flags.BackupEligible,
		BackupState:     c.Flags.BackupState,
		DeviceClass:     credential.DeviceClassForTransports(transports),
	}
}

type relyingUser struct {
	subject     identity.Identity
	credentials []webauthn.Credential
}

func newRelyingUser(subject identity.Identity, bound []credential.Credential) *relyingUser {
	credentials := make([]webauthn.Credential, 0, len(bound))
	for _, c := range bound {
		credentials = append(credentials, webauthnCredential(c))
	}
	return &relyingUser{subject: subject, credentials: credentials}
}

func webauthnCredential(c credential.Credential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              c.RawID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}
}

func (u *relyingUser) WebAuthnID() []byte {
	return []byte(u.subject.ID)
}

func (u *relyingUser) WebAuthnName() string {
	return u.subject.Handle
}

func (u *relyingUser) WebAuthnDisplayName() string {
	return u.subject.DisplayName
}

func (u *relyingUser) WebAuthnIcon() string {
	return ""
}

func (u *relyingUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}
