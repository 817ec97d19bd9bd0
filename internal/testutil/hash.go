package testutil

import (
	"crypto/sha256"

	"chronoshare/internal/core"
)

// Hash returns the SHA-256 digest of data as a core.Hash, matching the
// content addressing objectstore uses for segments.
func Hash(data []byte) core.Hash {
	return core.Hash(sha256.Sum256(data))
}
