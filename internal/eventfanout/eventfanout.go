// Package eventfanout turns a Ceremony event into concrete outbound traffic:
// signed round-calls to peers, or an AES-256-GCM-sealed reply to the
// original requester (SPEC_FULL.md §4.5). It owns the "events" worker pool
// named in §4.4/§5. Each event is handled by a single worker, which sends its
// round-calls to the event's peers one after another, while preserving
// emission order across events from the same process_command call (the
// caller submits events in order).
package eventfanout

import (
	"crypto/ed25519"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/internal/envelope"
	"github.com/klingon-exchange/musig2-ceremony/internal/metrics"
	"github.com/klingon-exchange/musig2-ceremony/internal/peerclient"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

// ResponseSink delivers the final encrypted reply to whichever requester
// submitted the originating DirectCall. Implemented by internal/rpc, which
// pushes the ciphertext to its WebSocket subscribers, tagged with the
// ceremony's submission hash.
type ResponseSink interface {
	Deliver(id ceremony.CeremonyId, ciphertext []byte)
}

// EventFanout owns the peer-client pool and a bounded worker pool that
// processes events concurrently.
type EventFanout struct {
	me   ceremony.SignerId
	priv ed25519.PrivateKey
	pool *peerclient.Pool
	sink ResponseSink
	log  *logging.Logger

	jobs    chan ceremony.Event
	done    chan struct{}
	workers int
}

// New constructs an EventFanout and launches workerCount worker goroutines.
func New(me ceremony.SignerId, priv ed25519.PrivateKey, pool *peerclient.Pool, sink ResponseSink, workerCount int) *EventFanout {
	if workerCount < 1 {
		workerCount = 1
	}
	f := &EventFanout{
		me:   me,
		priv: priv,
		pool: pool,
		sink: sink,
		log:  logging.GetDefault().Component("eventfanout"),
		jobs: make(chan ceremony.Event, workerCount*4),
		done: make(chan struct{}),
	}
	f.workers = workerCount
	for i := 0; i < workerCount; i++ {
		go f.worker()
	}
	return f
}

// Submit enqueues an event for asynchronous handling, sampling the queue
// depth gauge on the way in (SPEC_FULL.md §10.2).
func (f *EventFanout) Submit(ev ceremony.Event) {
	metrics.DispatcherQueueDepth.WithLabelValues("event").Set(float64(len(f.jobs) + 1))
	f.jobs <- ev
}

// Stop closes the job queue and waits for in-flight events to drain. The
// caller must not call Submit after Stop.
func (f *EventFanout) Stop() {
	close(f.jobs)
	for i := 0; i < f.workers; i++ {
		<-f.done
	}
}

func (f *EventFanout) worker() {
	for ev := range f.jobs {
		f.handle(ev)
		metrics.DispatcherQueueDepth.WithLabelValues("event").Set(float64(len(f.jobs)))
	}
	f.done <- struct{}{}
}

func (f *EventFanout) handle(ev ceremony.Event) {
	switch ev.Kind {
	case ceremony.EventFirstRoundStarted:
		metrics.CeremonyStarted.Inc()
		f.broadcastRoundCall(ev, ceremony.CommandSaveNonce)
	case ceremony.EventSecondRoundStarted:
		f.broadcastRoundCall(ev, ceremony.CommandSavePartialSignature)
	case ceremony.EventEnded:
		f.deliverResult(ev, ev.Signature[:])
	case ceremony.EventCeremonyError:
		metrics.CeremonyFailed.WithLabelValues(ceremony.ErrorCodeFor(ev.Err).String()).Inc()
		f.deliverError(ev, ceremony.ErrorCodeFor(ev.Err))
	case ceremony.EventTimedOut:
		metrics.CeremonyTimedOut.Inc()
		f.deliverError(ev, ceremony.ErrCodeTimeout)
	}
}

func (f *EventFanout) broadcastRoundCall(ev ceremony.Event, kind ceremony.CommandKind) {
	msg := peerclient.RoundCallMessage{
		Kind:   kind,
		Signer: f.me,
		AesKey: ev.AesKey,
		ID:     ev.ID,
	}
	if kind == ceremony.CommandSaveNonce {
		msg.Nonce = ev.PubNonce
	} else {
		msg.Partial = ev.Partial
	}

	for _, peer := range ev.Peers {
		client, err := f.pool.Get(peer)
		if err != nil {
			f.log.Warn("no client for peer", "ceremony_id", ev.ID.Key(), "error", err)
			continue
		}
		if err := client.Send(msg); err != nil {
			// Non-fatal: the ceremony simply times out if it cannot
			// progress (SPEC_FULL.md §4.5/§4.6).
			f.log.Warn("peer send failed", "ceremony_id", ev.ID.Key(), "error", err)
		}
	}
}

func (f *EventFanout) deliverResult(ev ceremony.Event, sig []byte) {
	ciphertext, err := envelope.EncryptGCM(ev.AesKey, sig)
	if err != nil {
		f.log.Error("failed to seal terminal signature", "ceremony_id", ev.ID.Key(), "error", err)
		return
	}
	f.sink.Deliver(ev.ID, ciphertext)
}

func (f *EventFanout) deliverError(ev ceremony.Event, code ceremony.ErrorCode) {
	ciphertext, err := envelope.EncryptGCM(ev.AesKey, envelope.EncodeErrorCode(code))
	if err != nil {
		f.log.Error("failed to seal error response", "ceremony_id", ev.ID.Key(), "error", err)
		return
	}
	f.sink.Deliver(ev.ID, ciphertext)
}
