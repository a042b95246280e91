// Package ceremony implements the two-round MuSig2 threshold Schnorr signing
// state machine: key aggregation, nonce exchange, partial-signature exchange,
// and the TTL-bounded lifetime of a single signing job.
package ceremony

import (
	"bytes"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// SignerId is a 32-byte enclave public-key-derived identifier, stable for
// the lifetime of a ceremony and globally unique across the signer set.
type SignerId [32]byte

// SignerEntry pairs a SignerId with its long-lived Schnorr public key.
type SignerEntry struct {
	ID     SignerId
	PubKey *btcec.PublicKey
}

// sortSigners sorts entries by their serialized public key bytes. This order
// is the sole source of truth for MuSig2 signer indices; every participant
// must independently derive the same order from the same signer set.
func sortSigners(entries []SignerEntry) []SignerEntry {
	sorted := make([]SignerEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(
			sorted[i].PubKey.SerializeCompressed(),
			sorted[j].PubKey.SerializeCompressed(),
		) < 0
	})
	return sorted
}

// dedupeAndValidate removes exact-duplicate entries and reports an error if
// two distinct signers collide on the same SignerId.
func dedupeAndValidate(entries []SignerEntry) ([]SignerEntry, error) {
	seen := make(map[SignerId]*btcec.PublicKey, len(entries))
	out := make([]SignerEntry, 0, len(entries))
	for _, e := range entries {
		if existing, ok := seen[e.ID]; ok {
			if !existing.IsEqual(e.PubKey) {
				return nil, ErrDuplicateSigner
			}
			continue
		}
		seen[e.ID] = e.PubKey
		out = append(out, e)
	}
	return out, nil
}

// PayloadVariant identifies which of the four CeremonyId shapes is in play;
// it is also the wire tag byte in the SCALE-like codec (codec.go).
type PayloadVariant uint8

const (
	PayloadDerived            PayloadVariant = 0
	PayloadTaprootUnspendable PayloadVariant = 1
	PayloadTaprootSpendable   PayloadVariant = 2
	PayloadWithTweaks         PayloadVariant = 3
)

// ExplicitTweak is one (scalar, x-only) pair in a WithTweaks payload.
type ExplicitTweak struct {
	Scalar [32]byte
	XOnly  bool
}

// CeremonyId is the Payload the ceremony signs over, and simultaneously the
// registry's hash key — two ceremonies with the same variant and message
// bytes collide and must not coexist live.
type CeremonyId struct {
	Variant     PayloadVariant
	Message     []byte // the bytes to be signed
	MerkleRoot  [32]byte // only meaningful for PayloadTaprootSpendable
	Tweaks      []ExplicitTweak // only meaningful for PayloadWithTweaks
}

// Key returns a value usable as a Go map key (CeremonyId itself contains a
// slice, so it is not comparable); the registry indexes ceremonies by this.
func (c CeremonyId) Key() string {
	enc, _ := EncodeCeremonyId(c)
	return string(enc)
}

// RoundState is the ceremony's position in the two-round protocol.
type RoundState int

const (
	RoundFirst RoundState = iota
	RoundSecond
	RoundTerminal
)

func (s RoundState) String() string {
	switch s {
	case RoundFirst:
		return "first"
	case RoundSecond:
		return "second"
	default:
		return "terminal"
	}
}

// AesKey is the 32-byte symmetric key the requester supplied to encrypt the
// terminal result; opaque to the protocol, just carried along.
type AesKey [32]byte

// CommandKind distinguishes the four inbound commands the dispatcher routes.
type CommandKind int

const (
	CommandInit CommandKind = iota
	CommandSaveNonce
	CommandSavePartialSignature
	CommandKill
)

func (k CommandKind) String() string {
	switch k {
	case CommandInit:
		return "init"
	case CommandSaveNonce:
		return "save_nonce"
	case CommandSavePartialSignature:
		return "save_partial_signature"
	case CommandKill:
		return "kill"
	default:
		return "unknown"
	}
}

// Command is one inbound request the dispatcher routes to a ceremony.
type Command struct {
	Kind    CommandKind
	Signer  SignerId
	AesKey  AesKey
	ID      CeremonyId

	// Populated for CommandInit only.
	Signers []SignerEntry
	Me      SignerId

	// Populated for CommandSaveNonce only: the peer's 66-byte public nonce.
	Nonce [66]byte

	// Populated for CommandSavePartialSignature only: the peer's 32-byte
	// partial signature scalar.
	Partial [32]byte
}

// EventKind distinguishes the events a Ceremony can emit.
type EventKind int

const (
	EventFirstRoundStarted EventKind = iota
	EventSecondRoundStarted
	EventEnded
	EventCeremonyError
	EventTimedOut
)

// Event is what a Ceremony hands back to the dispatcher after processing a
// command or a tick; EventFanout turns it into concrete outbound RPCs.
type Event struct {
	Kind EventKind
	ID   CeremonyId

	Peers  []SignerId // signers_except_self, the fanout destination list
	AesKey AesKey

	// CreatedAt is the owning ceremony's construction time, carried on every
	// event so a terminal event alone is enough to compute
	// creation-to-terminal latency (SPEC_FULL.md §10.2/§10.6) without a
	// separate registry lookup.
	CreatedAt time.Time

	// EventFirstRoundStarted / EventSecondRoundStarted
	PubNonce [66]byte
	Partial  [32]byte

	// EventEnded
	Signature [64]byte

	// EventCeremonyError / EventTimedOut
	Err error
}
