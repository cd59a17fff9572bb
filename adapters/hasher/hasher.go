// Package hasher provides admin token hashing.
package hasher

import (
	"github.com/artpar/quotaguard/ports"
	"golang.org/x/crypto/bcrypt"
)

// Bcrypt hashes admin tokens with bcrypt.
type Bcrypt struct {
	cost int
}

// NewBcrypt creates a bcrypt hasher with the given cost.
// Out-of-range costs fall back to bcrypt.DefaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Hash generates a bcrypt hash from plaintext.
func (h *Bcrypt) Hash(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
}

// Compare checks if plaintext matches hash. An empty hash never matches.
func (h *Bcrypt) Compare(hash []byte, plaintext string) bool {
	if len(hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

var _ ports.Hasher = (*Bcrypt)(nil)
