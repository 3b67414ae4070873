// Package errors provides structured error handling for the ceremony engine.
package errors

import (
	stderrors "errors"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Identity errors
	CodeIdentityEmptyHandle   Code = "IDENTITY_EMPTY_HANDLE"
	CodeIdentityInvalidHandle Code = "IDENTITY_INVALID_HANDLE"
	CodeIdentityEmptyDisplay  Code = "IDENTITY_EMPTY_DISPLAY_NAME"

	// Ceremony errors
	CodeCeremonyStateInvalid   Code = "CEREMONY_STATE_INVALID"
	CodeVerificationFailed     Code = "VERIFICATION_FAILED"
	CodeAuthenticationFailed   Code = "AUTHENTICATION_FAILED"
	CodeAccountUnavailable     Code = "ACCOUNT_UNAVAILABLE"
	CodeCredentialsNone        Code = "CREDENTIALS_NONE"
	CodeCredentialDuplicate    Code = "CREDENTIAL_DUPLICATE"
	CodeCredentialCloneSuspect Code = "CREDENTIAL_CLONE_SUSPECTED"

	// Pairing errors
	CodePairingSessionExpired Code = "PAIRING_SESSION_EXPIRED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes for embedding transports.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeIdentityEmptyHandle,
		CodeIdentityInvalidHandle,
		CodeIdentityEmptyDisplay:
		return codes.InvalidArgument

	// FailedPrecondition - recoverable protocol-state failures
	case CodeCeremonyStateInvalid,
		CodeAccountUnavailable,
		CodeCredentialsNone,
		CodePairingSessionExpired:
		return codes.FailedPrecondition

	// AlreadyExists
	case CodeCredentialDuplicate:
		return codes.AlreadyExists

	// Unauthenticated - rejected ceremonies
	case CodeVerificationFailed,
		CodeAuthenticationFailed,
		CodeCredentialCloneSuspect:
		return codes.Unauthenticated

	// NotFound
	case CodeNotFound:
		return codes.NotFound

	default:
		return codes.Internal
	}
}

// GetCode extracts the domain code from an error, or CodeUnknown.
func GetCode(err error) Code {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return CodeUnknown
}
