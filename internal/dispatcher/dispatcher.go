// Package dispatcher implements the command-processing core described in
// SPEC_FULL.md §4.4: classifies inbound commands against the pending-buffer
// acceptance table, drives the per-ceremony state machine, drains buffered
// commands on round transitions, and hands every resulting event to
// EventFanout. Signature verification of the inbound Signed<> envelope
// (§6) happens one layer up, in internal/rpc's inbound readers, using
// internal/envelope and internal/peerclient — by the time a Command reaches
// this package it has already crossed that trusted boundary.
package dispatcher

import (
	"encoding/hex"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/internal/eventfanout"
	"github.com/klingon-exchange/musig2-ceremony/internal/metrics"
	"github.com/klingon-exchange/musig2-ceremony/internal/pendingbuffer"
	"github.com/klingon-exchange/musig2-ceremony/internal/registry"
	"github.com/klingon-exchange/musig2-ceremony/internal/storage"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"

	"golang.org/x/crypto/blake2b"
)

// Ledger records one audit-ledger row per terminal ceremony (SPEC_FULL.md
// §10.6). Implemented by *storage.Storage; nil by default so tests that
// don't care about the ledger don't need to construct one.
type Ledger interface {
	RecordOutcome(ceremonyIDHash string, signerCount int, outcome storage.Outcome, durationMs int64, createdAt, terminatedAt time.Time) error
}

// Config carries the recognized options named in SPEC_FULL.md §6/§10.3.
type Config struct {
	CommandPoolSize  int
	CeremonyTTLTicks uint32
	MinSigners       int
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{CommandPoolSize: 8, CeremonyTTLTicks: 10, MinSigners: 3}
}

// Dispatcher is the single point through which every inbound command (a
// synthetic InitCeremony from a DirectCall, or a peer-originated
// CeremonyRoundCall) is processed. It owns the bounded "commands" worker
// pool; EventFanout owns the "events" pool downstream.
type Dispatcher struct {
	cfg       Config
	registry  *registry.Registry
	buffers   *pendingbuffer.Buffers
	keyAccess ceremony.KeyAccess
	fanout    *eventfanout.EventFanout
	ledger    Ledger
	log       *logging.Logger

	jobs chan ceremony.Command
	done chan struct{}
}

// SetLedger attaches an audit ledger; every subsequent terminal event
// (Ended, CeremonyError, TimedOut) records one row. Safe to leave unset —
// a nil ledger simply means no ledger row is written.
func (d *Dispatcher) SetLedger(l Ledger) {
	d.ledger = l
}

// New constructs a Dispatcher and launches cfg.CommandPoolSize worker
// goroutines consuming from its command queue.
func New(cfg Config, reg *registry.Registry, buffers *pendingbuffer.Buffers, keyAccess ceremony.KeyAccess, fanout *eventfanout.EventFanout) *Dispatcher {
	poolSize := cfg.CommandPoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	d := &Dispatcher{
		cfg:       cfg,
		registry:  reg,
		buffers:   buffers,
		keyAccess: keyAccess,
		fanout:    fanout,
		log:       logging.GetDefault().Component("dispatcher"),
		jobs:      make(chan ceremony.Command, poolSize*4),
		done:      make(chan struct{}),
	}
	for i := 0; i < poolSize; i++ {
		go d.worker()
	}
	return d
}

// Submit enqueues a command for asynchronous processing.
func (d *Dispatcher) Submit(cmd ceremony.Command) {
	metrics.DispatcherQueueDepth.WithLabelValues("command").Set(float64(len(d.jobs) + 1))
	d.jobs <- cmd
}

// Stop closes the command queue and waits for in-flight work to drain.
func (d *Dispatcher) Stop() {
	close(d.jobs)
	workers := d.cfg.CommandPoolSize
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		<-d.done
	}
}

func (d *Dispatcher) worker() {
	for cmd := range d.jobs {
		d.process(cmd)
		metrics.DispatcherQueueDepth.WithLabelValues("command").Set(float64(len(d.jobs)))
	}
	d.done <- struct{}{}
}

// process implements the per-command routing in SPEC_FULL.md §4.2/§4.4.
func (d *Dispatcher) process(cmd ceremony.Command) {
	c := d.registry.Get(cmd.ID)
	present := c != nil

	var round ceremony.RoundState
	if present {
		round = c.Round()
	}

	switch pendingbuffer.Classify(present, round, cmd.Kind) {
	case pendingbuffer.Buffer:
		d.buffers.Park(cmd.ID, cmd)
		metrics.PendingBufferSize.Set(float64(d.buffers.Size()))
		return
	case pendingbuffer.DropNoisy:
		d.log.Warn("dropped out-of-order command", "ceremony_id", cmd.ID.Key(), "command", cmd.Kind.String())
		return
	}

	switch cmd.Kind {
	case ceremony.CommandInit:
		d.handleInit(cmd)
	case ceremony.CommandKill:
		d.handleKill(cmd)
	case ceremony.CommandSaveNonce:
		d.handleReceive(c, cmd, func() (*ceremony.Event, error) {
			return c.ReceiveNonce(cmd.Signer, cmd.Nonce)
		})
	case ceremony.CommandSavePartialSignature:
		d.handleReceive(c, cmd, func() (*ceremony.Event, error) {
			return c.ReceivePartialSign(cmd.Signer, cmd.Partial)
		})
	}
}

func (d *Dispatcher) handleInit(cmd ceremony.Command) {
	c, err := ceremony.New(cmd.Me, cmd.AesKey, cmd.Signers, cmd.ID, d.keyAccess, d.cfg.CeremonyTTLTicks, d.cfg.MinSigners)
	if err != nil {
		d.log.Warn("ceremony construction failed", "ceremony_id", cmd.ID.Key(), "error", err)
		return
	}
	if err := d.registry.Insert(cmd.ID, c); err != nil {
		d.log.Warn("duplicate ceremony id", "ceremony_id", cmd.ID.Key())
		return
	}
	metrics.RegistryActiveCeremonies.Set(float64(d.registry.Len()))

	for _, ev := range c.Events() {
		d.fanout.Submit(ev)
	}
	d.drainBuffer(c, cmd.ID)
}

func (d *Dispatcher) handleKill(cmd ceremony.Command) {
	// Idempotent: absent or already-terminal ceremonies are a silent no-op
	// (SPEC_FULL.md §8 invariant 4), no event emitted to the requester. The
	// ledger still gets a "killed" row for a ceremony that was actually live.
	c := d.registry.Get(cmd.ID)

	d.registry.Remove(cmd.ID)
	d.buffers.Discard(cmd.ID)
	metrics.RegistryActiveCeremonies.Set(float64(d.registry.Len()))

	if c != nil {
		d.recordKilled(cmd.ID, c)
	}
}

func (d *Dispatcher) recordKilled(id ceremony.CeremonyId, c *ceremony.Ceremony) {
	if d.ledger == nil {
		return
	}
	sum, err := SubmissionHash(id)
	if err != nil {
		d.log.Warn("failed to hash ceremony id for ledger", "error", err)
		return
	}
	now := time.Now()
	signerCount := len(c.SignersExceptSelf()) + 1
	if err := d.ledger.RecordOutcome(hex.EncodeToString(sum[:]), signerCount, storage.OutcomeKilled, now.Sub(c.CreatedAt()).Milliseconds(), c.CreatedAt(), now); err != nil {
		d.log.Warn("failed to record ceremony outcome", "error", err)
	}
}

func (d *Dispatcher) handleReceive(c *ceremony.Ceremony, cmd ceremony.Command, receive func() (*ceremony.Event, error)) {
	ev, err := receive()
	if err != nil {
		// A terminal event (CeremonyError) always accompanies a reception
		// error; ceremony.go's failLocked already produced it.
		if ev != nil {
			d.terminate(cmd.ID, *ev)
		}
		return
	}
	if ev == nil {
		// More contributions still needed for this round.
		return
	}

	switch ev.Kind {
	case ceremony.EventSecondRoundStarted:
		d.fanout.Submit(*ev)
		d.drainBuffer(c, cmd.ID)
	case ceremony.EventEnded:
		d.terminate(cmd.ID, *ev)
	default:
		d.fanout.Submit(*ev)
	}
}

func (d *Dispatcher) terminate(id ceremony.CeremonyId, ev ceremony.Event) {
	d.registry.Remove(id)
	d.buffers.Discard(id)
	metrics.RegistryActiveCeremonies.Set(float64(d.registry.Len()))
	d.recordOutcome(ev)
	d.fanout.Submit(ev)
}

// recordOutcome observes creation-to-terminal latency for every terminal
// event, and additionally writes one ledger row if a ledger is attached.
// Duration and signer count are both derived from the event itself, so this
// never needs to touch the (already-removed) ceremony.
func (d *Dispatcher) recordOutcome(ev ceremony.Event) {
	var outcome storage.Outcome
	switch ev.Kind {
	case ceremony.EventEnded:
		outcome = storage.OutcomeEnded
	case ceremony.EventCeremonyError:
		outcome = storage.OutcomeErrored
	case ceremony.EventTimedOut:
		outcome = storage.OutcomeTimedOut
	default:
		return
	}

	now := time.Now()
	durationMs := int64(0)
	if !ev.CreatedAt.IsZero() {
		durationMs = now.Sub(ev.CreatedAt).Milliseconds()
	}
	metrics.CeremonyDurationMs.Observe(float64(durationMs))

	if d.ledger == nil {
		return
	}

	sum, err := SubmissionHash(ev.ID)
	if err != nil {
		d.log.Warn("failed to hash ceremony id for ledger", "error", err)
		return
	}
	hash := hex.EncodeToString(sum[:])

	if err := d.ledger.RecordOutcome(hash, len(ev.Peers)+1, outcome, durationMs, ev.CreatedAt, now); err != nil {
		d.log.Warn("failed to record ceremony outcome", "error", err)
	}
}

// drainBuffer replays every command parked for id, in arrival order, after
// the ceremony is created or its round advances (SPEC_FULL.md §4.2 last
// sentence). Replayed commands go through the same classification as a
// freshly-arrived command. Only a SaveNonce that arrived before its ceremony
// existed is ever parked, so on replay into RoundFirst it is applied, and in
// any later round it is dropped.
func (d *Dispatcher) drainBuffer(c *ceremony.Ceremony, id ceremony.CeremonyId) {
	parked := d.buffers.Drain(id)
	metrics.PendingBufferSize.Set(float64(d.buffers.Size()))
	for _, buffered := range parked {
		d.process(buffered)
	}
}

// HandleExpired is wired as the reaper's OnExpired callback (SPEC_FULL.md
// §4.3/§4.6): the registry has already removed the ceremony and discarded
// its pending-buffer entries by the time this runs, so it only needs to
// update the active-ceremony gauge and hand the TimedOut event to fanout
// for encrypted delivery to the original requester.
func (d *Dispatcher) HandleExpired(ev ceremony.Event) {
	metrics.RegistryActiveCeremonies.Set(float64(d.registry.Len()))
	d.recordOutcome(ev)
	d.fanout.Submit(ev)
}

// CheckSignBitcoin resolves the CheckSignBitcoin open question (SPEC_FULL.md
// §4.4, §9): a full construction against Payload::Derived([0;32]) with
// aes_key=[0;32], inserted then immediately removed, no round-call ever
// sent. Returns the same error a real SignBitcoin would hit at construction
// time, or nil if construction would have succeeded.
func (d *Dispatcher) CheckSignBitcoin(me ceremony.SignerId, signers []ceremony.SignerEntry) error {
	payload := ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: make([]byte, 32)}
	var aesKey ceremony.AesKey

	c, err := ceremony.New(me, aesKey, signers, payload, d.keyAccess, d.cfg.CeremonyTTLTicks, d.cfg.MinSigners)
	if err != nil {
		return err
	}
	if err := d.registry.Insert(payload, c); err != nil {
		return err
	}
	d.registry.Remove(payload)
	return nil
}

// SubmissionHash returns blake2_256(encoded(payload)), the hash returned to
// the requester as Submitted(hash) on a successful SignBitcoin (SPEC_FULL.md
// §6).
func SubmissionHash(payload ceremony.CeremonyId) ([32]byte, error) {
	encoded, err := ceremony.EncodeCeremonyId(payload)
	if err != nil {
		return [32]byte{}, err
	}
	return blake2b.Sum256(encoded), nil
}
