package core

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered UUID for use as a job_id. Time ordering
// keeps ids roughly aligned with created_at, which makes listings and index
// scans friendlier than random v4 ids.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4
		// rather than returning an empty id.
		return uuid.NewString()
	}
	return id.String()
}

// IsValidUUID reports whether s parses as any UUID version.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// IsValidUUIDv7 reports whether s is specifically a version 7 UUID with the
// RFC 4122 variant.
func IsValidUUIDv7(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 7 && id.Variant() == uuid.RFC4122
}
