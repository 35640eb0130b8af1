package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// 16 random bytes -> 32 hex chars. Enough entropy that guessing or
// collisions are not a practical concern for confirmation links.
const numBytes = 16

// Generate returns a new single-use confirmation token. An error from the
// system random source is returned as-is; callers must treat it as a hard
// failure for the dispatch attempt rather than fall back to anything weaker.
func Generate() (string, error) {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token: read random source: %w", err)
	}
	return hex.EncodeToString(b), nil
}
