// Package audit implements the Audit half of the Audit + Metering Sink
// (C15): a bounded, non-blocking decision-log queue drained by a
// background worker, with ed25519 signing so a downstream (out-of-scope)
// audit backend can verify provenance without trusting the bus process.
package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider signs audit payloads. Swappable for an HSM/KMS-backed
// implementation; MemoryKeyProvider is the in-process default.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an in-memory ed25519 keypair.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh ed25519 keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("audit: generate keypair: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

// Keyring signs arbitrary JSON-marshalable payloads via its KeyProvider.
type Keyring struct {
	provider KeyProvider
}

// NewKeyring wraps a KeyProvider. A nil provider generates a fresh
// in-memory keypair.
func NewKeyring(p KeyProvider) (*Keyring, error) {
	if p == nil {
		mp, err := NewMemoryKeyProvider()
		if err != nil {
			return nil, err
		}
		p = mp
	}
	return &Keyring{provider: p}, nil
}

// Sign canonicalizes and signs a DecisionLog (or any JSON-marshalable
// value), returning the raw ed25519 signature.
func (k *Keyring) Sign(data any) ([]byte, error) {
	msg, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal for signing: %w", err)
	}
	return k.provider.Sign(msg)
}

// PublicKey returns the public key verifiers need.
func (k *Keyring) PublicKey() ed25519.PublicKey { return k.provider.PublicKey() }

// DeriveForTenant derives a tenant-scoped Keyring via HKDF-SHA256 over the
// master key's seed, so each tenant gets a unique, deterministic keypair
// without a per-tenant secret store.
func (k *Keyring) DeriveForTenant(tenantID string) (*Keyring, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("audit: tenantID must not be empty")
	}

	master, ok := k.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, fmt.Errorf("audit: tenant key derivation requires a MemoryKeyProvider")
	}
	seed := master.priv.Seed()

	reader := hkdf.New(sha256.New, seed, []byte("agentbus-tenant-kdf"), []byte(tenantID))
	tenantSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, tenantSeed); err != nil {
		return nil, fmt.Errorf("audit: HKDF derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(tenantSeed)
	pub := priv.Public().(ed25519.PublicKey)
	return NewKeyring(&MemoryKeyProvider{pub: pub, priv: priv})
}
