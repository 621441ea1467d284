package types

import (
	"github.com/google/uuid"
)

// NewID mints an opaque identifier with a short kind prefix so that ids stay
// greppable in logs ("job-", "dep-", "alr-").
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
