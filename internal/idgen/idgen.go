package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SessionID returns a pool session identifier like "sess-<uuidv7>".
func SessionID() string {
	return fmt.Sprintf("sess-%s", New())
}

// RunID returns a run identifier like "run-<uuidv7>".
func RunID() string {
	return fmt.Sprintf("run-%s", New())
}

// BatchID returns a batch identifier like "batch-<uuidv7>".
func BatchID() string {
	return fmt.Sprintf("batch-%s", New())
}
