package tool

import (
	"strings"

	"github.com/google/uuid"
)

func GenerateUUIDV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewOrderID returns "<prefix>_<plan>_<uuid>". Order ids are the
// idempotency key of the payment ledger, so they must never repeat.
func NewOrderID(prefix, planCode string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, planCode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, uuid.NewString())
	return strings.Join(parts, "_")
}
