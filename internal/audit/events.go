package audit

// Event types recorded by the ceremony engine.
const (
	EventIdentityCreated     = "identity_created"
	EventRegistrationStart   = "registration_start"
	EventRegistrationSuccess = "registration_success"
	EventRegistrationFailed  = "registration_failed"
	EventLoginSuccess        = "login_success"
	EventLoginFailed         = "login_failed"
	EventCredentialDisabled  = "credential_disabled"
	EventCloneSuspected      = "credential_clone_suspected"
	EventMultipleFailures    = "multiple_failed_attempts"
	EventAccountLocked       = "account_locked"
	EventAccountUnlocked     = "account_unlocked"
	EventPairingStarted      = "pairing_started"
	EventPairingCompleted    = "pairing_completed"
	EventPairingExpired      = "pairing_expired"
)
