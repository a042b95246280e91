package dispatcher

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/internal/envelope"
	"github.com/klingon-exchange/musig2-ceremony/internal/eventfanout"
	"github.com/klingon-exchange/musig2-ceremony/internal/peerclient"
	"github.com/klingon-exchange/musig2-ceremony/internal/pendingbuffer"
	"github.com/klingon-exchange/musig2-ceremony/internal/registry"
)

type fixedKeyAccess struct{ priv *btcec.PrivateKey }

func (f fixedKeyAccess) RetrieveKey() (*btcec.PrivateKey, error) { return f.priv, nil }

type party struct {
	id   ceremony.SignerId
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
}

func newParties(t *testing.T, n int) []*party {
	t.Helper()
	parties := make([]*party, n)
	for i := 0; i < n; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}
		var id ceremony.SignerId
		copy(id[:], priv.PubKey().SerializeCompressed())
		parties[i] = &party{id: id, priv: priv, pub: priv.PubKey()}
	}
	return parties
}

func signerEntries(parties []*party) []ceremony.SignerEntry {
	out := make([]ceremony.SignerEntry, len(parties))
	for i, p := range parties {
		out[i] = ceremony.SignerEntry{ID: p.id, PubKey: p.pub}
	}
	return out
}

func firstEventOf(t *testing.T, c *ceremony.Ceremony) ceremony.Event {
	t.Helper()
	for _, ev := range c.Events() {
		if ev.Kind == ceremony.EventFirstRoundStarted {
			return ev
		}
	}
	t.Fatal("ceremony did not emit FirstRoundStarted")
	return ceremony.Event{}
}

type staticRegistry map[ceremony.SignerId]string

func (r staticRegistry) Address(peer ceremony.SignerId) (string, bool) {
	addr, ok := r[peer]
	return addr, ok
}

type fakeResolver map[ceremony.SignerId]ed25519.PublicKey

func (r fakeResolver) ResolvePubKey(signer ceremony.SignerId) (ed25519.PublicKey, error) {
	pub, ok := r[signer]
	if !ok {
		return nil, ceremony.ErrMrenclaveQueryFailed
	}
	return pub, nil
}

type recordingSink struct {
	delivered chan []byte
}

func (s *recordingSink) Deliver(id ceremony.CeremonyId, ciphertext []byte) {
	s.delivered <- ciphertext
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestDispatcherFullCeremonyEndsAndDeliversEncryptedSignature drives the
// dispatcher through Init, both rounds, and termination, using two directly
// driven peer ceremonies reached over real TCP connections (the same wire
// path production traffic uses), and asserts the final signature arrives at
// the response sink AES-256-GCM sealed under the requester's aes_key.
func TestDispatcherFullCeremonyEndsAndDeliversEncryptedSignature(t *testing.T) {
	parties := newParties(t, 3)
	me, p1, p2 := parties[0], parties[1], parties[2]

	_, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	edPub := edPriv.Public().(ed25519.PublicKey)
	resolver := fakeResolver{me.id: edPub}

	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen p1: %v", err)
	}
	defer ln1.Close()
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen p2: %v", err)
	}
	defer ln2.Close()

	peerAddrs := staticRegistry{p1.id: ln1.Addr().String(), p2.id: ln2.Addr().String()}

	var aesKey ceremony.AesKey
	payload := ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: make([]byte, 32)}

	p1Ceremony, err := ceremony.New(p1.id, aesKey, signerEntries(parties), payload, fixedKeyAccess{priv: p1.priv}, 50, 3)
	if err != nil {
		t.Fatalf("p1 ceremony.New: %v", err)
	}
	p2Ceremony, err := ceremony.New(p2.id, aesKey, signerEntries(parties), payload, fixedKeyAccess{priv: p2.priv}, 50, 3)
	if err != nil {
		t.Fatalf("p2 ceremony.New: %v", err)
	}
	p1First := firstEventOf(t, p1Ceremony)
	p2First := firstEventOf(t, p2Ceremony)

	if ev, err := p1Ceremony.ReceiveNonce(p2.id, p2First.PubNonce); err != nil || ev != nil {
		t.Fatalf("p1 receive p2 nonce: ev=%v err=%v", ev, err)
	}
	if ev, err := p2Ceremony.ReceiveNonce(p1.id, p1First.PubNonce); err != nil || ev != nil {
		t.Fatalf("p2 receive p1 nonce: ev=%v err=%v", ev, err)
	}

	p1Second := make(chan ceremony.Event, 1)
	p2Second := make(chan ceremony.Event, 1)

	serve := func(ln net.Listener, peerCeremony *ceremony.Ceremony, secondCh chan ceremony.Event) {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for i := 0; i < 2; i++ {
			msg, signer, err := peerclient.DecodeInbound(reader, resolver)
			if err != nil {
				return
			}
			if signer != me.id {
				t.Errorf("unexpected signer %x", signer)
				return
			}
			if msg.Kind == ceremony.CommandSaveNonce {
				ev, err := peerCeremony.ReceiveNonce(me.id, msg.Nonce)
				if err != nil {
					t.Errorf("ReceiveNonce(me): %v", err)
					return
				}
				if ev != nil {
					secondCh <- *ev
				}
			}
		}
	}

	go serve(ln1, p1Ceremony, p1Second)
	go serve(ln2, p2Ceremony, p2Second)

	sink := &recordingSink{delivered: make(chan []byte, 1)}
	reg := registry.New()
	buffers := pendingbuffer.New()
	pool := peerclient.NewPool(me.id, edPriv, peerAddrs)
	fanout := eventfanout.New(me.id, edPriv, pool, sink, 2)
	d := New(Config{CommandPoolSize: 1, CeremonyTTLTicks: 50, MinSigners: 3}, reg, buffers, fixedKeyAccess{priv: me.priv}, fanout)
	defer func() {
		d.Stop()
		fanout.Stop()
		pool.CloseAll()
	}()

	d.Submit(ceremony.Command{
		Kind:    ceremony.CommandInit,
		ID:      payload,
		Me:      me.id,
		Signers: signerEntries(parties),
		AesKey:  aesKey,
	})
	d.Submit(ceremony.Command{Kind: ceremony.CommandSaveNonce, ID: payload, Signer: p1.id, Nonce: p1First.PubNonce})
	d.Submit(ceremony.Command{Kind: ceremony.CommandSaveNonce, ID: payload, Signer: p2.id, Nonce: p2First.PubNonce})

	var p1SecondEv, p2SecondEv ceremony.Event
	select {
	case p1SecondEv = <-p1Second:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for p1 second round start")
	}
	select {
	case p2SecondEv = <-p2Second:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for p2 second round start")
	}

	d.Submit(ceremony.Command{Kind: ceremony.CommandSavePartialSignature, ID: payload, Signer: p1.id, Partial: p1SecondEv.Partial})
	d.Submit(ceremony.Command{Kind: ceremony.CommandSavePartialSignature, ID: payload, Signer: p2.id, Partial: p2SecondEv.Partial})

	select {
	case ciphertext := <-sink.delivered:
		plaintext, err := envelope.DecryptGCM(aesKey, ciphertext)
		if err != nil {
			t.Fatalf("DecryptGCM: %v", err)
		}
		if len(plaintext) != 64 {
			t.Fatalf("expected 64-byte signature, got %d bytes", len(plaintext))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final signature delivery")
	}

	waitUntil(t, 2*time.Second, func() bool { return reg.Get(payload) == nil })
}

// TestDispatcherDropsPrematurePartialDuringFirstThenCompletesNormally drives
// the S2 scenario (SPEC_FULL.md §4.6) end to end through the dispatcher: a
// SavePartialSignature for p1 arrives before any nonce exchange at all, while
// me's ceremony is still in RoundFirst. It must be drop-noisy, not buffered —
// otherwise it would replay straight into the second round on transition,
// consuming p1's contribution slot with stale data and causing p1's real,
// correctly-timed partial to be rejected as a duplicate contribution. The
// ceremony must still reach Ended once the normal sequence is delivered.
func TestDispatcherDropsPrematurePartialDuringFirstThenCompletesNormally(t *testing.T) {
	parties := newParties(t, 3)
	me, p1, p2 := parties[0], parties[1], parties[2]

	_, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	edPub := edPriv.Public().(ed25519.PublicKey)
	resolver := fakeResolver{me.id: edPub}

	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen p1: %v", err)
	}
	defer ln1.Close()
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen p2: %v", err)
	}
	defer ln2.Close()

	peerAddrs := staticRegistry{p1.id: ln1.Addr().String(), p2.id: ln2.Addr().String()}

	var aesKey ceremony.AesKey
	payload := ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: make([]byte, 32)}

	p1Ceremony, err := ceremony.New(p1.id, aesKey, signerEntries(parties), payload, fixedKeyAccess{priv: p1.priv}, 50, 3)
	if err != nil {
		t.Fatalf("p1 ceremony.New: %v", err)
	}
	p2Ceremony, err := ceremony.New(p2.id, aesKey, signerEntries(parties), payload, fixedKeyAccess{priv: p2.priv}, 50, 3)
	if err != nil {
		t.Fatalf("p2 ceremony.New: %v", err)
	}
	p1First := firstEventOf(t, p1Ceremony)
	p2First := firstEventOf(t, p2Ceremony)

	if ev, err := p1Ceremony.ReceiveNonce(p2.id, p2First.PubNonce); err != nil || ev != nil {
		t.Fatalf("p1 receive p2 nonce: ev=%v err=%v", ev, err)
	}
	if ev, err := p2Ceremony.ReceiveNonce(p1.id, p1First.PubNonce); err != nil || ev != nil {
		t.Fatalf("p2 receive p1 nonce: ev=%v err=%v", ev, err)
	}

	p1Second := make(chan ceremony.Event, 1)
	p2Second := make(chan ceremony.Event, 1)

	serve := func(ln net.Listener, peerCeremony *ceremony.Ceremony, secondCh chan ceremony.Event) {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for i := 0; i < 2; i++ {
			msg, signer, err := peerclient.DecodeInbound(reader, resolver)
			if err != nil {
				return
			}
			if signer != me.id {
				t.Errorf("unexpected signer %x", signer)
				return
			}
			if msg.Kind == ceremony.CommandSaveNonce {
				ev, err := peerCeremony.ReceiveNonce(me.id, msg.Nonce)
				if err != nil {
					t.Errorf("ReceiveNonce(me): %v", err)
					return
				}
				if ev != nil {
					secondCh <- *ev
				}
			}
		}
	}

	go serve(ln1, p1Ceremony, p1Second)
	go serve(ln2, p2Ceremony, p2Second)

	sink := &recordingSink{delivered: make(chan []byte, 1)}
	reg := registry.New()
	buffers := pendingbuffer.New()
	pool := peerclient.NewPool(me.id, edPriv, peerAddrs)
	fanout := eventfanout.New(me.id, edPriv, pool, sink, 2)
	d := New(Config{CommandPoolSize: 1, CeremonyTTLTicks: 50, MinSigners: 3}, reg, buffers, fixedKeyAccess{priv: me.priv}, fanout)
	defer func() {
		d.Stop()
		fanout.Stop()
		pool.CloseAll()
	}()

	d.Submit(ceremony.Command{
		Kind:    ceremony.CommandInit,
		ID:      payload,
		Me:      me.id,
		Signers: signerEntries(parties),
		AesKey:  aesKey,
	})
	waitUntil(t, time.Second, func() bool { return reg.Get(payload) != nil })

	// Premature: p1 "contributes" a partial before me has seen any nonce at
	// all. Submitted synchronously to the single-worker pool ahead of the
	// nonce commands below, so by the time those are processed this has
	// already been classified and handled.
	d.Submit(ceremony.Command{Kind: ceremony.CommandSavePartialSignature, ID: payload, Signer: p1.id, Partial: [32]byte{0xFF}})

	d.Submit(ceremony.Command{Kind: ceremony.CommandSaveNonce, ID: payload, Signer: p1.id, Nonce: p1First.PubNonce})
	d.Submit(ceremony.Command{Kind: ceremony.CommandSaveNonce, ID: payload, Signer: p2.id, Nonce: p2First.PubNonce})

	var p1SecondEv, p2SecondEv ceremony.Event
	select {
	case p1SecondEv = <-p1Second:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for p1 second round start")
	}
	select {
	case p2SecondEv = <-p2Second:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for p2 second round start")
	}

	// The premature partial must never have been parked: it was drop-noisy,
	// not buffered, so there is nothing left for the round transition to
	// drain.
	if got := buffers.Size(); got != 0 {
		t.Fatalf("pending buffer size = %d, want 0 (premature partial must be dropped, not buffered)", got)
	}
	if c := reg.Get(payload); c == nil || c.Round() != ceremony.RoundSecond {
		t.Fatalf("ceremony should have reached RoundSecond via the normal sequence, got %v", c)
	}

	d.Submit(ceremony.Command{Kind: ceremony.CommandSavePartialSignature, ID: payload, Signer: p1.id, Partial: p1SecondEv.Partial})
	d.Submit(ceremony.Command{Kind: ceremony.CommandSavePartialSignature, ID: payload, Signer: p2.id, Partial: p2SecondEv.Partial})

	select {
	case ciphertext := <-sink.delivered:
		plaintext, err := envelope.DecryptGCM(aesKey, ciphertext)
		if err != nil {
			t.Fatalf("DecryptGCM: %v", err)
		}
		if len(plaintext) != 64 {
			t.Fatalf("expected 64-byte signature, got %d bytes", len(plaintext))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final signature delivery despite the premature partial being dropped")
	}

	waitUntil(t, 2*time.Second, func() bool { return reg.Get(payload) == nil })
}

// TestDispatcherBuffersSaveNonceBeforeInitAndDrainsOnInit exercises the
// acceptance table's Buffer decision for a command that arrives before its
// ceremony exists, and confirms it is replayed exactly once on Init.
func TestDispatcherBuffersSaveNonceBeforeInitAndDrainsOnInit(t *testing.T) {
	parties := newParties(t, 3)
	me, p1 := parties[0], parties[1]

	_, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	reg := registry.New()
	buffers := pendingbuffer.New()
	pool := peerclient.NewPool(me.id, edPriv, staticRegistry{})
	sink := &recordingSink{delivered: make(chan []byte, 1)}
	fanout := eventfanout.New(me.id, edPriv, pool, sink, 1)
	d := New(Config{CommandPoolSize: 1, CeremonyTTLTicks: 50, MinSigners: 3}, reg, buffers, fixedKeyAccess{priv: me.priv}, fanout)
	defer func() {
		d.Stop()
		fanout.Stop()
		pool.CloseAll()
	}()

	payload := ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: make([]byte, 32)}
	var aesKey ceremony.AesKey

	nonce, err := musig2.GenNonces(musig2.WithPublicKey(p1.pub))
	if err != nil {
		t.Fatalf("gen nonce: %v", err)
	}

	d.Submit(ceremony.Command{Kind: ceremony.CommandSaveNonce, ID: payload, Signer: p1.id, Nonce: nonce.PubNonce})
	waitUntil(t, time.Second, func() bool { return buffers.Size() == 1 })

	d.Submit(ceremony.Command{
		Kind:    ceremony.CommandInit,
		ID:      payload,
		Me:      me.id,
		Signers: signerEntries(parties),
		AesKey:  aesKey,
	})
	waitUntil(t, 2*time.Second, func() bool { return buffers.Size() == 0 })

	c := reg.Get(payload)
	if c == nil {
		t.Fatal("expected ceremony to be registered after Init")
	}
	if c.Round() != ceremony.RoundFirst {
		t.Fatalf("round = %v, want RoundFirst (still awaiting the other signer's nonce)", c.Round())
	}
}

// TestDispatcherKillIsIdempotentAndRemovesLiveCeremony covers both the
// absent-ceremony no-op and the live-ceremony removal paths.
func TestDispatcherKillIsIdempotentAndRemovesLiveCeremony(t *testing.T) {
	parties := newParties(t, 3)
	me := parties[0]

	_, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	reg := registry.New()
	buffers := pendingbuffer.New()
	pool := peerclient.NewPool(me.id, edPriv, staticRegistry{})
	sink := &recordingSink{delivered: make(chan []byte, 1)}
	fanout := eventfanout.New(me.id, edPriv, pool, sink, 1)
	d := New(Config{CommandPoolSize: 1, CeremonyTTLTicks: 50, MinSigners: 3}, reg, buffers, fixedKeyAccess{priv: me.priv}, fanout)
	defer func() {
		d.Stop()
		fanout.Stop()
		pool.CloseAll()
	}()

	payload := ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: make([]byte, 32)}
	var aesKey ceremony.AesKey

	d.Submit(ceremony.Command{Kind: ceremony.CommandKill, ID: payload})
	select {
	case ct := <-sink.delivered:
		t.Fatalf("unexpected delivery for idempotent kill on absent ceremony: %v", ct)
	case <-time.After(200 * time.Millisecond):
	}

	d.Submit(ceremony.Command{
		Kind:    ceremony.CommandInit,
		ID:      payload,
		Me:      me.id,
		Signers: signerEntries(parties),
		AesKey:  aesKey,
	})
	waitUntil(t, time.Second, func() bool { return reg.Get(payload) != nil })

	d.Submit(ceremony.Command{Kind: ceremony.CommandKill, ID: payload})
	waitUntil(t, time.Second, func() bool { return reg.Get(payload) == nil })

	d.Submit(ceremony.Command{Kind: ceremony.CommandKill, ID: payload})
	select {
	case ct := <-sink.delivered:
		t.Fatalf("unexpected delivery on repeated kill: %v", ct)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestDispatcherUnknownSignerTerminatesAndDeliversEncryptedError confirms a
// CeremonyError event is translated into an encrypted ErrorCode for the
// requester and the ceremony is removed from the registry.
func TestDispatcherUnknownSignerTerminatesAndDeliversEncryptedError(t *testing.T) {
	parties := newParties(t, 3)
	me := parties[0]

	_, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	reg := registry.New()
	buffers := pendingbuffer.New()
	pool := peerclient.NewPool(me.id, edPriv, staticRegistry{})
	sink := &recordingSink{delivered: make(chan []byte, 1)}
	fanout := eventfanout.New(me.id, edPriv, pool, sink, 1)
	d := New(Config{CommandPoolSize: 1, CeremonyTTLTicks: 50, MinSigners: 3}, reg, buffers, fixedKeyAccess{priv: me.priv}, fanout)
	defer func() {
		d.Stop()
		fanout.Stop()
		pool.CloseAll()
	}()

	payload := ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: make([]byte, 32)}
	var aesKey ceremony.AesKey

	d.Submit(ceremony.Command{
		Kind:    ceremony.CommandInit,
		ID:      payload,
		Me:      me.id,
		Signers: signerEntries(parties),
		AesKey:  aesKey,
	})
	waitUntil(t, time.Second, func() bool { return reg.Get(payload) != nil })

	var stranger ceremony.SignerId
	stranger[0] = 0xFF
	d.Submit(ceremony.Command{Kind: ceremony.CommandSaveNonce, ID: payload, Signer: stranger})

	select {
	case ciphertext := <-sink.delivered:
		plaintext, err := envelope.DecryptGCM(aesKey, ciphertext)
		if err != nil {
			t.Fatalf("DecryptGCM: %v", err)
		}
		code, err := envelope.DecodeErrorCode(plaintext)
		if err != nil {
			t.Fatalf("DecodeErrorCode: %v", err)
		}
		if code != ceremony.ErrCodeSignerNotFound {
			t.Fatalf("code = %v, want ErrCodeSignerNotFound", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error delivery")
	}

	waitUntil(t, time.Second, func() bool { return reg.Get(payload) == nil })
}

func TestCheckSignBitcoinSucceedsAndLeavesRegistryEmpty(t *testing.T) {
	parties := newParties(t, 3)
	me := parties[0]

	_, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	reg := registry.New()
	buffers := pendingbuffer.New()
	pool := peerclient.NewPool(me.id, edPriv, staticRegistry{})
	sink := &recordingSink{delivered: make(chan []byte, 1)}
	fanout := eventfanout.New(me.id, edPriv, pool, sink, 1)
	d := New(DefaultConfig(), reg, buffers, fixedKeyAccess{priv: me.priv}, fanout)
	defer func() {
		d.Stop()
		fanout.Stop()
		pool.CloseAll()
	}()

	if err := d.CheckSignBitcoin(me.id, signerEntries(parties)); err != nil {
		t.Fatalf("CheckSignBitcoin: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry.Len() = %d, want 0 after CheckSignBitcoin", reg.Len())
	}
}

func TestCheckSignBitcoinFailsWithInsufficientSigners(t *testing.T) {
	parties := newParties(t, 2)
	me := parties[0]

	_, edPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	reg := registry.New()
	buffers := pendingbuffer.New()
	pool := peerclient.NewPool(me.id, edPriv, staticRegistry{})
	sink := &recordingSink{delivered: make(chan []byte, 1)}
	fanout := eventfanout.New(me.id, edPriv, pool, sink, 1)
	d := New(DefaultConfig(), reg, buffers, fixedKeyAccess{priv: me.priv}, fanout)
	defer func() {
		d.Stop()
		fanout.Stop()
		pool.CloseAll()
	}()

	if err := d.CheckSignBitcoin(me.id, signerEntries(parties)); !errors.Is(err, ceremony.ErrNotEnoughSigners) {
		t.Fatalf("expected ErrNotEnoughSigners, got %v", err)
	}
}

func TestSubmissionHashIsDeterministicAndVariesByPayload(t *testing.T) {
	payloadA := ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: make([]byte, 32)}
	payloadB := ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: bytes.Repeat([]byte{1}, 32)}

	hashA1, err := SubmissionHash(payloadA)
	if err != nil {
		t.Fatalf("SubmissionHash A: %v", err)
	}
	hashA2, err := SubmissionHash(payloadA)
	if err != nil {
		t.Fatalf("SubmissionHash A (again): %v", err)
	}
	if hashA1 != hashA2 {
		t.Fatal("SubmissionHash is not deterministic")
	}

	hashB, err := SubmissionHash(payloadB)
	if err != nil {
		t.Fatalf("SubmissionHash B: %v", err)
	}
	if hashA1 == hashB {
		t.Fatal("SubmissionHash should differ across distinct payloads")
	}
}
