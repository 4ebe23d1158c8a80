package auth

import (
	"fmt"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
	// MaxPasswordBytes is the bcrypt input limit
	MaxPasswordBytes = 72
	// MaxUsernameLength bounds admin usernames
	MaxUsernameLength = 64
)

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// BurnPasswordCheck performs a bcrypt comparison against a fixed hash so that
// logins for unknown users take as long as logins with a wrong password.
func BurnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("ocm-ca-unknown-user"), BcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// ValidatePasswordStrength validates password meets minimum requirements
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("password must be at most %d bytes long", MaxPasswordBytes)
	}

	hasNumber := false
	hasLetter := false
	for _, char := range password {
		switch {
		case unicode.IsDigit(char):
			hasNumber = true
		case unicode.IsLetter(char):
			hasLetter = true
		}
	}

	if !hasNumber {
		return fmt.Errorf("password must contain at least one number")
	}
	if !hasLetter {
		return fmt.Errorf("password must contain at least one letter")
	}

	return nil
}

// ValidateUsername accepts 3 to 64 characters of letters, digits, '.', '-', '_' and '@'
func ValidateUsername(username string) error {
	if len(username) < 3 || len(username) > MaxUsernameLength {
		return fmt.Errorf("username must be between 3 and %d characters", MaxUsernameLength)
	}
	for _, char := range username {
		if unicode.IsLetter(char) || unicode.IsDigit(char) {
			continue
		}
		switch char {
		case '.', '-', '_', '@':
			continue
		}
		return fmt.Errorf("username contains invalid character %q", char)
	}
	return nil
}
