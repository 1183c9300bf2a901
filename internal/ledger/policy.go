package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const policyIDLen = 56

// Issuer holds the backend signing key. The minting policy is a script backed
// by this key, so the policy id is derived from the public key alone.
type Issuer struct {
	priv ed25519.PrivateKey
}

func NewIssuer(privHex string) (*Issuer, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decode issuer key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("issuer key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return &Issuer{priv: ed25519.PrivateKey(b)}, nil
}

// GenerateIssuer creates a fresh issuer key. Test helper and bootstrap tool.
func GenerateIssuer() (*Issuer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Issuer{priv: priv}, nil
}

// PolicyID is the hex hash of the issuer's public key, truncated to the
// ledger's script-hash width.
func (i *Issuer) PolicyID() string {
	pub := i.priv.Public().(ed25519.PublicKey)
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])[:policyIDLen]
}

func (i *Issuer) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

func (i *Issuer) PublicKeyHex() string {
	return hex.EncodeToString(i.priv.Public().(ed25519.PublicKey))
}

// AssetUnit joins a policy id and an asset name into the unit string used for
// UTXO accounting and mint deltas.
func AssetUnit(policyID, assetName string) string {
	return policyID + hex.EncodeToString([]byte(assetName))
}

// AssetNameFromUnit recovers the human-readable asset name from a unit.
func AssetNameFromUnit(unit string) (string, error) {
	if len(unit) <= policyIDLen {
		return "", fmt.Errorf("unit too short: %q", unit)
	}
	b, err := hex.DecodeString(unit[policyIDLen:])
	if err != nil {
		return "", fmt.Errorf("decode asset name: %w", err)
	}
	return string(b), nil
}
