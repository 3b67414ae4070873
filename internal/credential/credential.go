// Package credential provides the registered authenticator binding model.
package credential

import (
	"encoding/base64"
	"time"
)

// Device classes reported by authenticators.
const (
	DeviceClassPlatform      = "platform"
	DeviceClassCrossPlatform = "cross-platform"
)

// Credential is one public-key binding between a physical authenticator and
// an identity. RawID is globally unique across the whole store; SignCount
// only ever moves forward (enforced by the store's compare-and-set update).
type Credential struct {
	ID              string
	IdentityID      string
	RawID           []byte
	PublicKey       []byte
	SignCount       uint32
	Active          bool
	UsageCount      int
	LastUsedAt      *time.Time
	RiskScore       int
	Label           string
	AAGUID          []byte
	AttestationType string
	Transports      []string
	BackupEligible  bool
	BackupState     bool
	DeviceClass     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EncodeRawID renders a raw credential id for logs, audit metadata, and
// client payloads.
func EncodeRawID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeRawID parses a client-supplied credential id.
func DecodeRawID(value string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(value)
}

// CounterAdvances reports whether a reported signature counter is acceptable
// against the stored one. Counters must strictly increase, except that
// authenticators which never implement counters report zero forever; a
// stored zero paired with a reported zero is the one tolerated repeat.
func CounterAdvances(stored, reported uint32) bool {
	if stored == 0 && reported == 0 {
		return true
	}
	return reported > stored
}

// DeviceClassForTransports infers the authenticator attachment class from
// its advertised transports. Built-in authenticators report "internal".
func DeviceClassForTransports(transports []string) string {
	for _, t := range transports {
		if t == "internal" {
			return DeviceClassPlatform
		}
	}
	return DeviceClassCrossPlatform
}

// HasTransport reports whether the credential advertises a transport.
func (c Credential) HasTransport(transport string) bool {
	for _, t := range c.Transports {
		if t == transport {
			return true
		}
	}
	return false
}
