package util

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	// TokenAlphabet matches the deep-link route clients open for scan and invite tokens.
	TokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	// CodeAlphabet leaves out O, I, 0 and 1 so codes survive being read aloud.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// RandomString draws n characters uniformly from alphabet using crypto/rand.
func RandomString(alphabet string, n int) (string, error) {
	chars := []byte(alphabet)
	limit := big.NewInt(int64(len(chars)))
	out := make([]byte, n)

	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		out[i] = chars[idx.Int64()]
	}

	return string(out), nil
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func MaskCode(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:4] + "-****"
}
