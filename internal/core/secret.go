package core

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretPolicy decides how a room password is stored and compared.
type SecretPolicy interface {
	Seal(password string) (string, error)
	Match(stored, presented string) bool
}

// PlainSecret stores the password as given and compares by equality.
type PlainSecret struct{}

func (PlainSecret) Seal(password string) (string, error) { return password, nil }

func (PlainSecret) Match(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// BcryptSecret stores a bcrypt hash of the password.
type BcryptSecret struct {
	Cost int
}

func (b BcryptSecret) Seal(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("seal password: %w", err)
	}
	return string(h), nil
}

func (BcryptSecret) Match(stored, presented string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
}

// CheckSecret is true for rooms without a password or a matching one.
func CheckSecret(p SecretPolicy, stored, presented string) bool {
	if stored == "" {
		return true
	}
	return p.Match(stored, presented)
}
