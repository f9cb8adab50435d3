// Package agentchannel authenticates resource agents and carries the
// control messages exchanged between the storage core and the
// out-of-process agents that own each Resource (spec.md §5's "agent
// control channel"). The transport itself (nominally a D-Bus session
// bus in the original) is abstracted behind Bridge, which this package
// does not implement — only a Registry suitable for in-process or
// test wiring.
package agentchannel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// AuthError is returned for a LOGIN that fails for a user-facing
// reason (unknown resource, bad secret), as opposed to an internal
// error a caller shouldn't echo to the client.
type AuthError struct {
	Resource string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("agentchannel: %s: %v", e.Resource, e.Err)
}

// account holds one resource's hashed shared secret.
type account struct {
	secretHash []byte
}

// Registry holds every Resource's shared-secret hash and issues
// session identities on successful LOGIN, mirroring the
// hash-then-compare shape of the teacher's AddUser/AddDevice but with
// no separate "device" tier — one secret per resource.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]*account)}
}

// Add hashes secret and stores it under name, replacing any previous
// secret for that resource.
func (r *Registry) Add(name string, secret []byte) error {
	hash, err := bcrypt.GenerateFromPassword(secret, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[name] = &account{secretHash: hash}
	return nil
}

// Remove deletes a resource's account, e.g. when the resource is
// deregistered.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, name)
}

// Authenticate is the protoserver.AuthFunc this Registry exposes: it
// compares secret against the stored hash with bcrypt's constant-time
// comparison and, on success, returns the resource name as the
// session identity.
func (r *Registry) Authenticate(ctx context.Context, name, secret []byte) (string, error) {
	r.mu.RLock()
	acct, ok := r.accounts[string(name)]
	r.mu.RUnlock()
	if !ok {
		return "", &AuthError{Resource: string(name), Err: fmt.Errorf("unknown resource")}
	}
	if err := bcrypt.CompareHashAndPassword(acct.secretHash, secret); err != nil {
		return "", &AuthError{Resource: string(name), Err: fmt.Errorf("bad secret")}
	}
	return string(name), nil
}

// GenerateSecret returns a random hex-encoded shared secret suitable
// for handing a newly registered resource agent, following the
// teacher's crypto/rand secret-generation idiom for new accounts.
func GenerateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Event is one control message delivered to a resource agent: a
// request to fetch, synchronize, or otherwise act on a collection it
// owns, named but not dispatched by this package.
type Event struct {
	Resource string
	Verb     string
	Args     map[string]string
}

// Bridge is the transport contract a resource agent connects over.
// This package ships no implementation: the original routes Events
// over an abstract-namespace D-Bus socket per spec.md's open question,
// resolved in SPEC_FULL.md §10 as out of scope for this port — Bridge
// exists so a future transport (a Unix socket, an in-process channel
// for tests) can be dropped in without touching Registry or the
// protocol handlers that call Send.
type Bridge interface {
	Send(ctx context.Context, ev Event) error
}
