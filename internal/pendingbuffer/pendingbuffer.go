// Package pendingbuffer parks inbound commands that arrive before the
// ceremony they target exists, or before its round has advanced far enough
// to accept them. A buffered command is replayed at most once, when a round
// transition makes it applicable (SPEC_FULL.md §4.2).
package pendingbuffer

import (
	"sync"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

// entry holds the parked commands for one ceremony id plus its own creation
// time, so an orphan buffer (no ceremony ever created) still expires on the
// same TTL as a live ceremony would (SPEC_FULL.md §3).
type entry struct {
	commands  []ceremony.Command
	createdAt time.Time
}

// Buffers is the process-wide map of ceremony id -> parked commands. It is
// constructed once at boot and passed by reference (SPEC_FULL.md §9), never
// held as an ambient singleton.
type Buffers struct {
	mu  sync.Mutex
	log *logging.Logger

	entries map[string]*entry
}

// New constructs an empty buffer registry.
func New() *Buffers {
	return &Buffers{
		log:     logging.GetDefault().Component("pendingbuffer"),
		entries: make(map[string]*entry),
	}
}

// Decision classifies what the dispatcher should do with an inbound command
// given the (state, command) acceptance table in SPEC_FULL.md §4.2.
type Decision int

const (
	// Apply hands the command straight to the ceremony (or to ceremony
	// construction, for CommandInit).
	Apply Decision = iota
	// Buffer parks the command for later replay.
	Buffer
	// DropNoisy discards the command but logs the rejection.
	DropNoisy
)

// classify implements the acceptance table. present is false when there is
// no live ceremony for the id yet (including "never existed" and "already
// terminated and removed").
func classify(present bool, round ceremony.RoundState, kind ceremony.CommandKind) Decision {
	if !present {
		switch kind {
		case ceremony.CommandInit, ceremony.CommandKill:
			return Apply
		case ceremony.CommandSaveNonce:
			return Buffer
		default: // CommandSavePartialSignature
			return DropNoisy
		}
	}

	switch round {
	case ceremony.RoundFirst:
		switch kind {
		case ceremony.CommandSaveNonce, ceremony.CommandKill:
			return Apply
		case ceremony.CommandSavePartialSignature:
			// A partial signature cannot be legitimately produced before its
			// sender has itself seen every nonce, including ours — so one
			// arriving while we're still in First is necessarily premature
			// noise, not a message worth replaying once we catch up (S2,
			// SPEC_FULL.md §4.6). Buffering it would let it get replayed
			// straight into the second round on our own round transition,
			// consuming that signer's contribution slot with stale data
			// before their real, correctly-timed signature share arrives.
			return DropNoisy
		default: // CommandInit
			return DropNoisy
		}
	case ceremony.RoundSecond:
		switch kind {
		case ceremony.CommandSavePartialSignature, ceremony.CommandKill:
			return Apply
		default: // CommandInit, CommandSaveNonce
			return DropNoisy
		}
	default: // Terminal
		return DropNoisy
	}
}

// Classify is the exported form of the acceptance-table lookup, used by the
// dispatcher to decide what to do with one inbound command.
func Classify(present bool, round ceremony.RoundState, kind ceremony.CommandKind) Decision {
	return classify(present, round, kind)
}

// Park buffers a command for id, creating the entry (and stamping its
// creation time) if this is the first command parked for it.
func (b *Buffers) Park(id ceremony.CeremonyId, cmd ceremony.Command) {
	key := id.Key()

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{createdAt: time.Now()}
		b.entries[key] = e
	}
	e.commands = append(e.commands, cmd)
	b.log.Debug("parked command", "ceremony_id", key, "kind", cmd.Kind.String(), "queued", len(e.commands))
}

// Drain removes and returns every command parked for id, in arrival order.
// Returns nil if nothing was parked.
func (b *Buffers) Drain(id ceremony.CeremonyId) []ceremony.Command {
	key := id.Key()

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil
	}
	delete(b.entries, key)
	return e.commands
}

// Discard drops any parked commands for id without replaying them, used on
// KillCeremony and on terminal-ceremony cleanup.
func (b *Buffers) Discard(id ceremony.CeremonyId) {
	key := id.Key()

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// Size returns the total number of parked commands across all ceremony ids,
// for the musig2_pending_buffer_size gauge (SPEC_FULL.md §10.2).
func (b *Buffers) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, e := range b.entries {
		total += len(e.commands)
	}
	return total
}

// ReapExpired removes orphan buffers older than ttl, returning how many were
// removed so the reaper can report it to the metrics sink.
func (b *Buffers) ReapExpired(ttl time.Duration) int {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, e := range b.entries {
		if now.Sub(e.createdAt) > ttl {
			delete(b.entries, key)
			removed++
		}
	}
	if removed > 0 {
		b.log.Debug("reaped orphan pending buffers", "count", removed)
	}
	return removed
}
