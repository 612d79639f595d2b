package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// HashPassword bcrypt-hashes an account password. The hash is raw bytes,
// matching the BYTEA password_hash column on account rows.
func HashPassword(password string, cost ...int) ([]byte, error) {
	bcryptCost := bcrypt.DefaultCost
	if len(cost) > 0 {
		bcryptCost = cost[0]
	}

	return bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
}

// CheckPassword compares a candidate password with a stored hash
func CheckPassword(password string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
