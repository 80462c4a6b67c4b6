// Package auth derives the login credential handed to the session core.
//
// The plaintext secret stops here: callers pass a Login carrying only the digest.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// AlgorithmSHA256 is the algorithm tag the server expects next to the digest.
const AlgorithmSHA256 = "sha-256"

var (
	ErrUsernameRequired = errors.New("auth: username required")
	ErrSecretRequired   = errors.New("auth: secret required")
)

// Secret is a one-way digest of the user's password.
type Secret struct {
	Digest    string `json:"digest"`
	Algorithm string `json:"algorithm"`
}

// Digest hashes raw with SHA-256 and returns the lowercase hex form.
func Digest(raw string) Secret {
	sum := sha256.Sum256([]byte(raw))
	return Secret{
		Digest:    hex.EncodeToString(sum[:]),
		Algorithm: AlgorithmSHA256,
	}
}

// Login is the identity plus hashed secret used by the authenticate step.
type Login struct {
	Username string
	Secret   Secret
}

// NewLogin derives a Login from a username and plaintext password.
func NewLogin(username, password string) (Login, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Login{}, ErrUsernameRequired
	}
	if password == "" {
		return Login{}, ErrSecretRequired
	}
	return Login{Username: username, Secret: Digest(password)}, nil
}

func (l Login) Validate() error {
	if strings.TrimSpace(l.Username) == "" {
		return ErrUsernameRequired
	}
	if strings.TrimSpace(l.Secret.Digest) == "" || strings.TrimSpace(l.Secret.Algorithm) == "" {
		return ErrSecretRequired
	}
	return nil
}
