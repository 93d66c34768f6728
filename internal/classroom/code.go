package classroom

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"

	"seminar/pkg/types"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultCodeAttempts bounds regeneration after collisions.
const DefaultCodeAttempts = 16

// DeriveCode maps an arbitrary identifier onto a 6-character code.
// Two identifiers can derive the same code, callers must check for collisions.
func DeriveCode(id string) string {
	sum := sha256.Sum256([]byte(id))
	n := new(big.Int).SetBytes(sum[:])
	base := big.NewInt(int64(len(codeAlphabet)))
	code := make([]byte, types.ClassroomCodeLength)
	mod := new(big.Int)
	for i := range code {
		n.DivMod(n, base, mod)
		code[i] = codeAlphabet[mod.Int64()]
	}
	return string(code)
}

// RandomCode draws a code from crypto/rand.
func RandomCode() (string, error) {
	code := make([]byte, types.ClassroomCodeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random code: %w", err)
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// GenerateUniqueCode derives a code from seed and regenerates randomly while
// taken reports a collision. It gives up after attempts tries.
// FUNCTIONAL DISCOVERY: the check runs before the classroom is published,
// so two live classrooms never share a code
func GenerateUniqueCode(seed string, taken func(code string) bool, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = DefaultCodeAttempts
	}
	code := DeriveCode(seed)
	for i := 0; i < attempts; i++ {
		if !taken(code) {
			return code, nil
		}
		next, err := RandomCode()
		if err != nil {
			return "", err
		}
		code = next
	}
	return "", ErrCodeGenerationFailed
}
