package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash returns a stable hash of the entity's user-visible fields.
//
// The hash covers content only, not sync metadata (version, timestamps,
// provider links), so two replicas that converged on the same state hash
// identically regardless of how they got there. Used for cheap equality
// checks before a full field diff.
func ContentHash(e *Entity) string {
	// encoding/json sorts map keys, so a map gives a canonical encoding.
	payload := map[string]any{
		"title":       e.Title,
		"description": e.Description,
		"status":      string(e.Status),
		"priority":    e.Priority,
		"tags":        MergeTags(e.Tags, nil), // sorted, deduplicated
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Marshalling a map of plain values cannot fail.
		panic(fmt.Sprintf("schema: content hash marshal: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey derives the deterministic key used to make provider
// pushes safe under retry. A push retried after a timeout carries the
// same key, so the provider side can detect the duplicate instead of
// creating a second remote entity.
func IdempotencyKey(entityID string, baseVersion int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s@%d", entityID, baseVersion)))
	return hex.EncodeToString(sum[:16])
}
