// Package auth verifies operator credentials for the administrative
// command surface.
package auth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost is the default cost for bcrypt hashing.
	bcryptCost = 10
)

// HashPassword generates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword compares a bcrypt hashed password with its plaintext version.
func ComparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// Operators holds the configured operator accounts and the set of
// identified sessions, keyed by (network, UID).
type Operators struct {
	mu         sync.Mutex
	accounts   map[string]string // name -> bcrypt hash
	identified map[string]string // network+"/"+uid -> account name
}

// NewOperators builds the account table from name -> hash pairs.
func NewOperators(accounts map[string]string) *Operators {
	if accounts == nil {
		accounts = map[string]string{}
	}
	return &Operators{
		accounts:   accounts,
		identified: make(map[string]string),
	}
}

// Identify checks credentials and, on success, marks the session as an
// identified operator.
func (o *Operators) Identify(network, uid, account, password string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	hash, ok := o.accounts[account]
	if !ok || ComparePassword(hash, password) != nil {
		return false
	}
	o.identified[network+"/"+uid] = account
	return true
}

// IsIdentified reports whether a session holds operator rights.
func (o *Operators) IsIdentified(network, uid string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.identified[network+"/"+uid]
	return ok
}

// Forget drops a session, called when its user quits or splits away.
func (o *Operators) Forget(network, uid string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.identified, network+"/"+uid)
}

// ForgetNetwork drops every session on a network.
func (o *Operators) ForgetNetwork(network string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	prefix := network + "/"
	for key := range o.identified {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(o.identified, key)
		}
	}
}
