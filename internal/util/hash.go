package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StableHash returns the hex-encoded sha256 of the canonical JSON encoding of v.
// The value is round-tripped through an untyped decode so map keys end up
// sorted and struct field order stops mattering. Two configs that encode to
// the same JSON always hash to the same string, which is what makes panel
// runs comparable across machines.
func StableHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value for hashing: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to canonicalize value for hashing: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to marshal canonical value: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
