package mask

import "strings"

// Last4 keeps the last four characters and replaces the rest with '*'.
func Last4(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}

// Authorization masks bearer and basic credentials, preserving the scheme.
func Authorization(value string) string {
	parts := strings.Fields(strings.TrimSpace(value))
	if len(parts) == 2 && (strings.EqualFold(parts[0], "Bearer") || strings.EqualFold(parts[0], "Basic")) {
		return parts[0] + " " + Last4(parts[1])
	}
	return Last4(value)
}
