package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BcryptVerifier checks passwords against bcrypt hashes. An empty stored hash
// is compared against a decoy hash so a missing user costs the same as a
// wrong password.
type BcryptVerifier struct {
	cost  int
	decoy []byte
}

// NewBcryptVerifier hashes the decoy up front so the first unknown-email
// login pays one comparison like every later one.
func NewBcryptVerifier(cost int) *BcryptVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptVerifier{cost: cost, decoy: newDecoyHash(cost)}
}

func (v *BcryptVerifier) Verify(plaintext, storedHash string) bool {
	if storedHash == "" {
		_ = bcrypt.CompareHashAndPassword(v.decoy, []byte(plaintext))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plaintext)) == nil
}

func (v *BcryptVerifier) Hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func newDecoyHash(cost int) []byte {
	raw := make([]byte, 18)
	_, _ = rand.Read(raw)
	decoy, _ := bcrypt.GenerateFromPassword([]byte(base64.RawStdEncoding.EncodeToString(raw)), cost)
	return decoy
}
