package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
)

// ParseSignerID decodes a hex-encoded SignerId, the format used both as the
// Config.Signers map key and in Identity.SignerID.
func ParseSignerID(s string) (ceremony.SignerId, error) {
	var id ceremony.SignerId
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("config: invalid signer id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("config: signer id %q must decode to %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// DeriveSignerID truncates a compressed Schnorr public key to its SignerId
// form, the same derivation used throughout internal/ceremony's test
// fixtures (the leading 32 bytes of the 33-byte compressed encoding).
func DeriveSignerID(pub *btcec.PublicKey) ceremony.SignerId {
	var id ceremony.SignerId
	copy(id[:], pub.SerializeCompressed())
	return id
}

// Roster parses Config.Signers into the SignerEntry list ceremony
// construction needs (SPEC_FULL.md §6 SignBitcoin/NonceShare signer
// resolution).
func (c *Config) Roster() ([]ceremony.SignerEntry, error) {
	entries := make([]ceremony.SignerEntry, 0, len(c.Signers))
	for idHex, sc := range c.Signers {
		id, err := ParseSignerID(idHex)
		if err != nil {
			return nil, err
		}
		pubBytes, err := hex.DecodeString(sc.PubKey)
		if err != nil {
			return nil, fmt.Errorf("config: invalid pubkey for signer %q: %w", idHex, err)
		}
		pub, err := btcec.ParsePubKey(pubBytes)
		if err != nil {
			return nil, fmt.Errorf("config: invalid pubkey for signer %q: %w", idHex, err)
		}
		entries = append(entries, ceremony.SignerEntry{ID: id, PubKey: pub})
	}
	return entries, nil
}

// Address implements peerclient.PeerRegistry over the static roster.
func (c *Config) Address(peer ceremony.SignerId) (string, bool) {
	sc, ok := c.Signers[hex.EncodeToString(peer[:])]
	if !ok {
		return "", false
	}
	return sc.Address, true
}

// fileKeyAccess loads a raw 32-byte secp256k1 scalar from disk on every
// RetrieveKey call, implementing ceremony.KeyAccess.
type fileKeyAccess struct {
	path string
}

func (f fileKeyAccess) RetrieveKey() (*btcec.PrivateKey, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read key file: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("config: key file %s must contain exactly 32 bytes, got %d", f.path, len(raw))
	}
	priv := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// KeyAccess returns a ceremony.KeyAccess backed by Identity.KeyFile,
// resolved relative to DataDir.
func (c *Config) KeyAccess() ceremony.KeyAccess {
	path := c.Identity.KeyFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(expandPath(c.DataDir), path)
	}
	return fileKeyAccess{path: path}
}

// SignerID resolves this node's own SignerId: the explicit Identity.SignerID
// if configured, otherwise derived from the identity key's public key.
func (c *Config) SignerID() (ceremony.SignerId, error) {
	if c.Identity.SignerID != "" {
		return ParseSignerID(c.Identity.SignerID)
	}
	priv, err := c.KeyAccess().RetrieveKey()
	if err != nil {
		return ceremony.SignerId{}, err
	}
	return DeriveSignerID(priv.PubKey()), nil
}

// EnclaveKeyPath resolves Identity.EnclaveKeyFile relative to DataDir.
func (c *Config) EnclaveKeyPath() string {
	path := c.Identity.EnclaveKeyFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(expandPath(c.DataDir), path)
	}
	return path
}

// EnclaveKey loads this node's Ed25519 private key, used to sign outbound
// round-calls (internal/peerclient); inbound ones are verified against the
// sender's public key (EnclaveResolver). A 64-byte seed+pubkey file is the standard
// ed25519.PrivateKey on-disk form.
func (c *Config) EnclaveKey() (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(c.EnclaveKeyPath())
	if err != nil {
		return nil, fmt.Errorf("config: failed to read enclave key file: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("config: enclave key file %s must contain exactly %d bytes, got %d", c.EnclaveKeyPath(), ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// enclaveResolver implements envelope.MrenclaveResolver over the static
// roster's enclave_pubkey entries (SPEC_FULL.md §6: the inbound listener
// verifies a round-call's signature against the sender's attested Ed25519
// key before any ceremony state is touched).
type enclaveResolver struct {
	signers map[string]SignerEntryConfig
}

// EnclaveResolver returns a resolver backed by the current roster.
func (c *Config) EnclaveResolver() enclaveResolver {
	return enclaveResolver{signers: c.Signers}
}

func (r enclaveResolver) ResolvePubKey(signer ceremony.SignerId) (ed25519.PublicKey, error) {
	sc, ok := r.signers[hex.EncodeToString(signer[:])]
	if !ok {
		return nil, fmt.Errorf("config: no enclave pubkey known for signer %x", signer[:4])
	}
	raw, err := hex.DecodeString(sc.EnclavePubKey)
	if err != nil {
		return nil, fmt.Errorf("config: invalid enclave pubkey for signer %x: %w", signer[:4], err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("config: enclave pubkey for signer %x must be %d bytes, got %d", signer[:4], ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
