package hasher_test

import (
	"testing"

	"github.com/artpar/quotaguard/adapters/hasher"
	"golang.org/x/crypto/bcrypt"
)

func TestBcrypt_HashAndCompare(t *testing.T) {
	h := hasher.NewBcrypt(bcrypt.MinCost)

	hash, err := h.Hash("admin-token")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if string(hash) == "admin-token" {
		t.Error("hash should not equal plaintext")
	}

	if !h.Compare(hash, "admin-token") {
		t.Error("Compare() should match the original token")
	}
	if h.Compare(hash, "wrong") {
		t.Error("Compare() should reject a different token")
	}
}

func TestBcrypt_EmptyHashNeverMatches(t *testing.T) {
	h := hasher.NewBcrypt(bcrypt.MinCost)
	if h.Compare(nil, "") {
		t.Error("Compare(nil) should be false")
	}
}

func TestBcrypt_InvalidCostFallsBack(t *testing.T) {
	h := hasher.NewBcrypt(100)

	hash, err := h.Hash("x")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	cost, err := bcrypt.Cost(hash)
	if err != nil {
		t.Fatalf("Cost() error = %v", err)
	}
	if cost != bcrypt.DefaultCost {
		t.Errorf("cost = %d, want %d", cost, bcrypt.DefaultCost)
	}
}
