// Package wallet models the wallet provider that demo sessions read from.
//
// Wallet state (connected, public key, selected network) is shared global
// context: the front-end pushes it into the Registry, demo sessions only read
// it. Signing is delegated to a Signer; LocalSigner signs demo payloads with a
// configured ECDSA key.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrNotConnected        = errors.New("wallet: not connected")
	ErrWrongNetwork        = errors.New("wallet: wrong network selected")
	ErrUserDeclined        = errors.New("wallet: user declined the signature request")
	ErrInsufficientBalance = errors.New("wallet: insufficient balance")
	ErrSignerUnavailable   = errors.New("wallet: no signer configured")
	ErrInvalidPrivateKey   = errors.New("wallet: invalid private key")
)

// SigningError wraps signing failures with context
type SigningError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// State is the connection state the wallet provider exposes.
type State struct {
	Connected bool      `json:"connected"`
	PublicKey string    `json:"publicKey"`
	Network   string    `json:"network"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SignOptions carries signing parameters.
type SignOptions struct {
	Network string
	// Value is the amount the transaction moves, in base units. Signers that
	// track a balance reject values above it.
	Value int64
}

// SignedTx is the result of a successful signature.
type SignedTx struct {
	Hash string `json:"hash"`
	Raw  []byte `json:"-"`
}

// Signer signs transaction payloads.
type Signer interface {
	SignTransaction(ctx context.Context, payload []byte, opts SignOptions) (SignedTx, error)
}

// Provider is the read-only wallet view a demo session consumes.
type Provider interface {
	State() State
	Signer
}

// NetworkValidator decides whether a selected network is acceptable.
type NetworkValidator interface {
	Valid(network string) bool
}

// StaticNetwork accepts exactly one network name (case-insensitive).
type StaticNetwork string

// Valid implements NetworkValidator.
func (n StaticNetwork) Valid(network string) bool {
	return strings.EqualFold(string(n), network)
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Registry holds the last reported wallet state per address.
type Registry struct {
	mu     sync.RWMutex
	states map[string]State
	signer Signer
}

// NewRegistry creates a registry. signer may be nil, in which case every
// signature request fails with ErrSignerUnavailable.
func NewRegistry(signer Signer) *Registry {
	return &Registry{
		states: make(map[string]State),
		signer: signer,
	}
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Set records the state reported for an address.
func (r *Registry) Set(addr string, st State) State {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	if st.PublicKey == "" {
		st.PublicKey = strings.TrimSpace(addr)
	}
	r.mu.Lock()
	r.states[normalize(addr)] = st
	r.mu.Unlock()
	return st
}

// Get returns the state for an address. Unknown addresses are disconnected.
func (r *Registry) Get(addr string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[normalize(addr)]
}

// Disconnect marks an address as disconnected, keeping its public key.
func (r *Registry) Disconnect(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[normalize(addr)]
	st.Connected = false
	st.UpdatedAt = time.Now()
	r.states[normalize(addr)] = st
}

// For returns a Provider bound to one address. State is read at call time,
// so a provider never holds stale connection data.
func (r *Registry) For(addr string) Provider {
	return &boundProvider{registry: r, addr: addr}
}

type boundProvider struct {
	registry *Registry
	addr     string
}

func (p *boundProvider) State() State {
	return p.registry.Get(p.addr)
}

func (p *boundProvider) SignTransaction(ctx context.Context, payload []byte, opts SignOptions) (SignedTx, error) {
	st := p.State()
	if !st.Connected {
		return SignedTx{}, ErrNotConnected
	}
	if p.registry.signer == nil {
		return SignedTx{}, ErrSignerUnavailable
	}
	if opts.Network == "" {
		opts.Network = st.Network
	}
	return p.registry.signer.SignTransaction(ctx, payload, opts)
}

// Compile-time interface check
var _ Provider = (*boundProvider)(nil)
