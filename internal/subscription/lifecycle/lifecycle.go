// Package lifecycle defines the subscription lifecycle states and which dependent
// states are safe for each transition target.
package lifecycle

import (
	dErrors "orchestrator/pkg/domain-errors"
)

// Status is the lifecycle state of a subscription. Every block in a subscription's
// tree is typed against the same status.
type Status string

const (
	Initial      Status = "initial"
	Provisioning Status = "provisioning"
	Active       Status = "active"
	Migrating    Status = "migrating"
	Disabled     Status = "disabled"
	Terminated   Status = "terminated"
)

// All lists every status in lifecycle order.
var All = []Status{Initial, Provisioning, Active, Migrating, Disabled, Terminated}

// ParseStatus validates external input.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid lifecycle status %q", s)
	}
	return st, nil
}

func (s Status) IsValid() bool {
	for _, st := range All {
		if st == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// IsActiveEquivalent reports whether entering s stamps a subscription's start date.
func (s Status) IsActiveEquivalent() bool { return s == Active }

// IsTerminal reports whether entering s stamps a subscription's end date.
func (s Status) IsTerminal() bool { return s == Terminated }

// safeDependentStates lists, per transition target, the states a dependent
// subscription may be in. A dependent is a subscription owning a block that links
// to a block of the subscription being transitioned.
var safeDependentStates = map[Status][]Status{
	Initial:      {Initial},
	Provisioning: {Initial, Provisioning, Active, Migrating, Terminated},
	Active:       {Initial, Provisioning, Active, Migrating, Disabled, Terminated},
	Migrating:    {Initial, Provisioning, Active, Migrating, Disabled, Terminated},
	Disabled:     {Initial, Disabled, Terminated},
	Terminated:   {Initial, Terminated},
}

// SafeDependentStates returns the states a dependent may be in when a subscription
// moves to target.
func SafeDependentStates(target Status) []Status {
	return append([]Status(nil), safeDependentStates[target]...)
}

// IsSafeDependent reports whether a dependent in state dependent allows a
// transition to target.
func IsSafeDependent(target, dependent Status) bool {
	for _, st := range safeDependentStates[target] {
		if st == dependent {
			return true
		}
	}
	return false
}
