package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "orchestrator/pkg/domain-errors"
)

// Typed identifiers keep subscription ids and instance ids from being mixed up at
// compile time. Both are persisted as plain UUIDs.
type (
	SubscriptionID uuid.UUID
	InstanceID     uuid.UUID
)

// maxIDLength bounds input before it reaches uuid.Parse.
const maxIDLength = 64

func parseUUID(s, kind string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be empty")
	}
	if len(s) > maxIDLength {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be nil")
	}
	return parsed, nil
}

// ParseSubscriptionID parses external input into a SubscriptionID.
//
// Errors: CodeInvalidInput for empty, malformed or nil UUIDs.
func ParseSubscriptionID(s string) (SubscriptionID, error) {
	u, err := parseUUID(s, "subscription id")
	return SubscriptionID(u), err
}

// ParseInstanceID parses external input into an InstanceID.
//
// Errors: CodeInvalidInput for empty, malformed or nil UUIDs.
func ParseInstanceID(s string) (InstanceID, error) {
	u, err := parseUUID(s, "instance id")
	return InstanceID(u), err
}

func NewSubscriptionID() SubscriptionID { return SubscriptionID(uuid.New()) }
func NewInstanceID() InstanceID         { return InstanceID(uuid.New()) }

func (id SubscriptionID) String() string { return uuid.UUID(id).String() }
func (id SubscriptionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// AsParent returns the id used for relation rows whose parent is the subscription
// root itself.
func (id SubscriptionID) AsParent() InstanceID { return InstanceID(id) }

func (id InstanceID) String() string { return uuid.UUID(id).String() }
func (id InstanceID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id SubscriptionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id InstanceID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }

func (id *SubscriptionID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id *InstanceID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
