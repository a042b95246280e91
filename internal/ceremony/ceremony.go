package ceremony

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"

	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

// KeyAccess returns this node's long-lived Schnorr keypair on demand. It is
// an external collaborator (SPEC_FULL.md §2) — this package only calls it at
// the first-round-to-second-round transition and never retains the result.
type KeyAccess interface {
	RetrieveKey() (*btcec.PrivateKey, error)
}

// Ceremony is the two-round MuSig2 state machine for a single signing job.
// It is RW-locked; ReceiveNonce, ReceivePartialSign, Tick and ForceExpire
// each take the write lock themselves (SPEC_FULL.md §5).
type Ceremony struct {
	mu sync.RWMutex

	payload    CeremonyId
	responseKey AesKey
	me         SignerId
	myIndex    int
	signers    []SignerEntry

	round         RoundState
	pendingEvents []Event
	ticksLeft     uint32

	aggPubKey *btcec.PublicKey
	msgHash   [32]byte

	keyAccess KeyAccess

	// ourNonces holds this signer's own secret/public nonce pair, generated
	// in New (musig2.GenNonces needs no private key). remoteNonces buffers
	// peers' pubnonces as they arrive in RoundFirst; the musig2.Session that
	// combines them all isn't built until every nonce is in (see
	// ReceiveNonce), because building it requires the private key and
	// SPEC_FULL.md §4.1 forbids touching that key any earlier.
	ourNonces    *musig2.Nonces
	remoteNonces [][66]byte

	// session is nil until the first round finalizes. It is the musig2
	// library's own handle onto the signing key's *musig2.Context for the
	// rest of the ceremony's life, which is why it is built as late as
	// possible rather than at construction.
	session *musig2.Session

	// already-contributed bitmaps, indexed by signer index (types.go sort
	// order). Resolves the duplicate-contribution open question in
	// SPEC_FULL.md §3/§9 explicitly, rather than delegating to the
	// session's own nonce/sig registration counting.
	contributedNonce   []bool
	contributedPartial []bool

	log *logging.Logger

	createdAt time.Time
}

// New constructs a ceremony, samples this signer's own nonce, and starts the
// first round. It never touches the Schnorr private key: key aggregation and
// the musig2 signing context are deferred to ReceiveNonce, at the
// first-round-to-second-round transition (SPEC_FULL.md §4.1). On success it
// returns the ceremony already holding one pending Event::FirstRoundStarted,
// which the caller (the dispatcher, right after inserting the ceremony into
// the registry) drains with a direct Events() call.
func New(me SignerId, aesKey AesKey, signers []SignerEntry, payload CeremonyId, keyAccess KeyAccess, ttlTicks uint32, minSigners int) (*Ceremony, error) {
	deduped, err := dedupeAndValidate(signers)
	if err != nil {
		return nil, err
	}
	if len(deduped) < minSigners {
		return nil, ErrNotEnoughSigners
	}
	sorted := sortSigners(deduped)

	myIndex := -1
	for i, s := range sorted {
		if s.ID == me {
			myIndex = i
			break
		}
	}
	if myIndex == -1 {
		return nil, ErrSelfNotInSigners
	}

	// Nonce-seed sampling is the only cryptographically load-bearing random
	// draw in this package (SPEC_FULL.md §9). musig2.GenNonces below draws
	// its own entropy from crypto/rand internally; this explicit draw
	// exists only to fail fast (NonceSeedRngFailed) if the platform RNG is
	// broken, before any more expensive key-aggregation work happens.
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, ErrNonceSeedRngFailed
	}

	nonces, err := musig2.GenNonces(musig2.WithPublicKey(sorted[myIndex].PubKey))
	if err != nil {
		return nil, ErrNonceSeedRngFailed
	}

	// The musig2 session signs exactly 32 bytes: a 32-byte message is signed
	// as is, any other length is reduced to its SHA-256 digest first.
	var msgHash [32]byte
	if len(payload.Message) == 32 {
		copy(msgHash[:], payload.Message)
	} else {
		msgHash = sha256.Sum256(payload.Message)
	}

	c := &Ceremony{
		payload:            payload,
		responseKey:        aesKey,
		me:                 me,
		myIndex:            myIndex,
		signers:            sorted,
		round:              RoundFirst,
		ticksLeft:          ttlTicks,
		msgHash:            msgHash,
		keyAccess:          keyAccess,
		ourNonces:          nonces,
		remoteNonces:       make([][66]byte, len(sorted)),
		contributedNonce:   make([]bool, len(sorted)),
		contributedPartial: make([]bool, len(sorted)),
		log:                logging.GetDefault().Component("ceremony"),
		createdAt:          time.Now(),
	}
	c.contributedNonce[myIndex] = true

	pubNonce := nonces.PubNonce
	c.pendingEvents = append(c.pendingEvents, Event{
		Kind:      EventFirstRoundStarted,
		ID:        payload,
		Peers:     c.signersExceptSelfLocked(),
		AesKey:    aesKey,
		PubNonce:  pubNonce,
		CreatedAt: c.createdAt,
	})

	return c, nil
}

// AggregatedPubKey returns the aggregated public key (33-byte compressed
// form available via .SerializeCompressed()). It is nil until the first
// round finalizes, since computing it requires building the musig2 signing
// context, which this package defers to that point (SPEC_FULL.md §4.1).
func (c *Ceremony) AggregatedPubKey() *btcec.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aggPubKey
}

// Payload returns the ceremony's CeremonyId, used by the registry to report
// which ids a reaper sweep removed.
func (c *Ceremony) Payload() CeremonyId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.payload
}

// Round returns the current round state.
func (c *Ceremony) Round() RoundState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.round
}

// CreatedAt returns the construction time, used by the registry/reaper.
func (c *Ceremony) CreatedAt() time.Time {
	return c.createdAt
}

// SignersExceptSelf returns the fanout destination list.
func (c *Ceremony) SignersExceptSelf() []SignerId {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signersExceptSelfLocked()
}

func (c *Ceremony) signersExceptSelfLocked() []SignerId {
	out := make([]SignerId, 0, len(c.signers)-1)
	for _, s := range c.signers {
		if s.ID != c.me {
			out = append(out, s.ID)
		}
	}
	return out
}

func (c *Ceremony) indexOf(signer SignerId) int {
	for i, s := range c.signers {
		if s.ID == signer {
			return i
		}
	}
	return -1
}

// ReceiveNonce applies a peer's public nonce to the first round. Permitted
// only in RoundFirst. Returns the ceremony's terminal/transition event, or
// nil if the round is not yet complete.
//
// Once every signer's pubnonce is in, this is the first-round-to-second-round
// transition: the only point in a ceremony's life where the Schnorr private
// key is retrieved (SPEC_FULL.md §4.1). It is pulled as a local, used to
// build the musig2 signing context and session, and then goes out of scope
// without being stored on c.
func (c *Ceremony) ReceiveNonce(signer SignerId, pubNonce [66]byte) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.round != RoundFirst {
		return nil, ErrIncorrectRound
	}

	idx := c.indexOf(signer)
	if idx == -1 {
		return c.failLocked(ErrSignerNotFound), ErrSignerNotFound
	}
	if idx == c.myIndex {
		return c.failLocked(ErrContributionError), ErrContributionError
	}
	if c.contributedNonce[idx] {
		return c.failLocked(ErrContributionError), ErrContributionError
	}

	c.remoteNonces[idx] = pubNonce
	c.contributedNonce[idx] = true

	haveAll := true
	for _, got := range c.contributedNonce {
		if !got {
			haveAll = false
			break
		}
	}
	if !haveAll {
		return nil, nil
	}

	privKey, err := c.keyAccess.RetrieveKey()
	if err != nil {
		c.log.Warn("private key retrieval failed", "ceremony_id", c.payload.Key(), "error", err)
		return c.failLocked(ErrFirstRoundFinalizationError), ErrFirstRoundFinalizationError
	}

	ctx, aggPubKey, err := buildContext(c.payload, c.signers, privKey)
	if err != nil {
		return c.failLocked(err), err
	}

	session, err := ctx.NewSession(musig2.WithPreGeneratedNonce(c.ourNonces))
	if err != nil {
		return c.failLocked(&KeyAggregationError{Reason: KeyAggReasonInternal, Err: err}), err
	}
	for i := range c.signers {
		if i == c.myIndex {
			continue
		}
		if _, err := session.RegisterPubNonce(c.remoteNonces[i]); err != nil {
			return c.failLocked(ErrContributionError), ErrContributionError
		}
	}

	partialSig, err := session.Sign(c.msgHash)
	if err != nil {
		return c.failLocked(ErrFirstRoundFinalizationError), ErrFirstRoundFinalizationError
	}

	c.session = session
	c.aggPubKey = aggPubKey
	c.round = RoundSecond
	c.contributedPartial[c.myIndex] = true

	var partialBytes [32]byte
	var buf bytes.Buffer
	if err := partialSig.Encode(&buf); err != nil {
		return c.failLocked(ErrFirstRoundFinalizationError), ErrFirstRoundFinalizationError
	}
	copy(partialBytes[:], buf.Bytes())

	ev := Event{
		Kind:      EventSecondRoundStarted,
		ID:        c.payload,
		Peers:     c.signersExceptSelfLocked(),
		AesKey:    c.responseKey,
		Partial:   partialBytes,
		CreatedAt: c.createdAt,
	}
	return &ev, nil
}

// ReceivePartialSign applies a peer's partial signature to the second
// round. Permitted only in RoundSecond. On completion the ceremony
// transitions to Terminal and returns Event::Ended.
func (c *Ceremony) ReceivePartialSign(signer SignerId, partial [32]byte) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.round != RoundSecond {
		return nil, ErrIncorrectRound
	}

	idx := c.indexOf(signer)
	if idx == -1 {
		return c.failLocked(ErrSignerNotFound), ErrSignerNotFound
	}
	if idx == c.myIndex {
		return c.failLocked(ErrContributionError), ErrContributionError
	}
	if c.contributedPartial[idx] {
		return c.failLocked(ErrContributionError), ErrContributionError
	}

	partialSig := new(musig2.PartialSignature)
	if err := partialSig.Decode(bytes.NewReader(partial[:])); err != nil {
		return c.failLocked(ErrContributionError), ErrContributionError
	}

	haveFinal, err := c.session.CombineSig(partialSig)
	if err != nil {
		return c.failLocked(ErrSecondRoundFinalizationError), ErrSecondRoundFinalizationError
	}
	c.contributedPartial[idx] = true

	if !haveFinal {
		return nil, nil
	}

	finalSig := c.session.FinalSig()
	sigBytes := finalSig.Serialize()

	// Self-verification failure is logged only; the signature is still
	// delivered (SPEC_FULL.md §4.6 / §7 — a downstream verifier re-checks).
	if xOnly, err := schnorr.ParsePubKey(c.aggPubKey.SerializeCompressed()[1:]); err == nil {
		if !finalSig.Verify(c.msgHash[:], xOnly) {
			c.log.Warn("final signature failed self-verification", "ceremony_id", c.payload.Key())
		}
	} else {
		c.log.Warn("could not parse aggregated key for self-verification", "error", err)
	}

	c.round = RoundTerminal

	var sig64 [64]byte
	copy(sig64[:], sigBytes)

	ev := Event{
		Kind:      EventEnded,
		ID:        c.payload,
		Peers:     c.signersExceptSelfLocked(),
		AesKey:    c.responseKey,
		Signature: sig64,
		CreatedAt: c.createdAt,
	}
	return &ev, nil
}

// Events drains any pending events without consuming a TTL tick. Used by
// the registry/dispatcher immediately after New to collect the initial
// Event::FirstRoundStarted.
func (c *Ceremony) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	drained := c.pendingEvents
	c.pendingEvents = nil
	return drained
}

// ForceExpire immediately transitions a non-terminal ceremony to Terminal and
// returns its TimedOut event; any events still queued on the ceremony are
// dropped. Used by the registry's wall-clock reaper sweep, which expires
// ceremonies by creation-time age rather than by counting Tick calls
// (SPEC_FULL.md §4.3). A no-op, returning nil, if the ceremony is already
// terminal.
func (c *Ceremony) ForceExpire() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.round == RoundTerminal {
		return nil
	}

	c.round = RoundTerminal
	c.pendingEvents = nil
	return []Event{{
		Kind:      EventTimedOut,
		ID:        c.payload,
		Peers:     c.signersExceptSelfLocked(),
		AesKey:    c.responseKey,
		CreatedAt: c.createdAt,
	}}
}

// Tick decrements the TTL counter, emitting TimedOut on expiry, and drains
// any pending events queued by the preceding commands.
func (c *Ceremony) Tick() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.round != RoundTerminal {
		if c.ticksLeft > 0 {
			c.ticksLeft--
		}
		if c.ticksLeft == 0 {
			c.round = RoundTerminal
			c.pendingEvents = append(c.pendingEvents, Event{
				Kind:      EventTimedOut,
				ID:        c.payload,
				Peers:     c.signersExceptSelfLocked(),
				AesKey:    c.responseKey,
				CreatedAt: c.createdAt,
			})
		}
	}

	drained := c.pendingEvents
	c.pendingEvents = nil
	return drained
}

// failLocked records a CeremonyError event, transitions to Terminal, and
// returns the event. Caller must hold c.mu.
func (c *Ceremony) failLocked(err error) *Event {
	c.round = RoundTerminal
	return &Event{
		Kind:      EventCeremonyError,
		ID:        c.payload,
		Peers:     c.signersExceptSelfLocked(),
		AesKey:    c.responseKey,
		Err:       err,
		CreatedAt: c.createdAt,
	}
}
