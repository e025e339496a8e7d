package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// otpRecord - состояние выданного кода в redis
type otpRecord struct {
	Hash      string `json:"hash"`
	Salt      string `json:"salt"`
	Attempts  int    `json:"attempts"`
	VisitorID string `json:"visitor_id"`
}

func generateCode() (string, error) {
	max := big.NewInt(1000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func generateSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashCode(code, salt, pepper string) string {
	sum := sha256.Sum256([]byte(pepper + ":" + salt + ":" + code))
	return hex.EncodeToString(sum[:])
}

func (r *otpRecord) matches(code, pepper string) bool {
	expected := hashCode(code, r.Salt, pepper)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(r.Hash)) == 1
}
