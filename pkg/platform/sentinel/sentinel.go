package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally wrapped)
// so the subscription service can translate them into coded domain errors:
//   - ErrNotFound: row does not exist in the store
//   - ErrConflict: write collides with an existing row owned elsewhere
//   - ErrInvalidState: persisted data is not in a shape the store can decode
//   - ErrUnavailable: backing store temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
