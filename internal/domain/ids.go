package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ProvisionalPrefix marks ids generated locally before remote confirmation.
// Server-assigned ids are UUIDs and never carry this prefix.
const ProvisionalPrefix = "temp_"

// NewProvisionalID returns a fresh locally-generated id.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// IsProvisional reports whether id was generated locally and is not yet
// confirmed by the remote store.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
