package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// StableEntityID derives an entity id from its path and content hash, so
// the same logical element produces the same id across ingestion runs.
func StableEntityID(entityType EntityType, path, contentHash string) string {
	h := sha256.New()
	h.Write([]byte(string(entityType)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(contentHash))
	return strings.ToLower(string(entityType)) + "_" + hex.EncodeToString(h.Sum(nil))[:16]
}

// CanonicalRelationshipID derives a relationship id from its endpoints and
// type. discriminator distinguishes parallel edges of the same type and may
// be empty.
func CanonicalRelationshipID(from string, t RelationshipType, to, discriminator string) string {
	parts := []string{from, string(t), to}
	if discriminator != "" {
		parts = append(parts, discriminator)
	}
	return strings.Join(parts, "|")
}
