package util

import "github.com/google/uuid"

// IsValidUUID accepts only the canonical lowercase form device ids are
// issued in.
func IsValidUUID(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.String() == s
}
