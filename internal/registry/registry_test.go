package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/internal/pendingbuffer"
)

type fixedKeyAccess struct {
	priv *btcec.PrivateKey
}

func (f fixedKeyAccess) RetrieveKey() (*btcec.PrivateKey, error) { return f.priv, nil }

func newTestCeremony(t *testing.T) (*ceremony.Ceremony, ceremony.CeremonyId) {
	t.Helper()

	signers := make([]ceremony.SignerEntry, 3)
	var me ceremony.SignerId
	var selfPriv *btcec.PrivateKey
	for i := range signers {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		var id ceremony.SignerId
		copy(id[:], priv.PubKey().SerializeCompressed())
		signers[i] = ceremony.SignerEntry{ID: id, PubKey: priv.PubKey()}
		if i == 0 {
			me = id
			selfPriv = priv
		}
	}

	payload := ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: make([]byte, 32)}
	var aesKey ceremony.AesKey
	c, err := ceremony.New(me, aesKey, signers, payload, fixedKeyAccess{priv: selfPriv}, 10, 3)
	if err != nil {
		t.Fatalf("ceremony.New: %v", err)
	}
	return c, payload
}

func TestInsertRejectsDuplicateId(t *testing.T) {
	r := New()
	c, id := newTestCeremony(t)

	if err := r.Insert(id, c); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := r.Insert(id, c); !errors.Is(err, ceremony.ErrAlreadyExists) {
		t.Fatalf("second insert: got %v, want ErrAlreadyExists", err)
	}
}

func TestGetAndRemove(t *testing.T) {
	r := New()
	c, id := newTestCeremony(t)

	if r.Get(id) != nil {
		t.Fatal("Get before Insert should return nil")
	}
	if err := r.Insert(id, c); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if r.Get(id) != c {
		t.Fatal("Get after Insert should return the inserted ceremony")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	r.Remove(id)
	if r.Get(id) != nil {
		t.Fatal("Get after Remove should return nil")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}

	// Idempotence: removing an already-absent entry is a no-op.
	r.Remove(id)
}

func TestSweepRemovesOnlyExpiredEntries(t *testing.T) {
	r := New()
	oldC, oldID := newTestCeremony(t)
	freshC, freshID := newTestCeremony(t)

	if err := r.Insert(oldID, oldC); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := r.Insert(freshID, freshC); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}
	r.entries[oldID.Key()].createdAt = time.Now().Add(-time.Hour)

	expired := r.Sweep(time.Minute)
	if len(expired) != 1 {
		t.Fatalf("Sweep removed %d entries, want 1", len(expired))
	}
	if r.Get(oldID) != nil {
		t.Fatal("expired ceremony should have been removed")
	}
	if r.Get(freshID) == nil {
		t.Fatal("fresh ceremony should survive the sweep")
	}
}

func TestReaperLiveness(t *testing.T) {
	r := New()
	buffers := pendingbuffer.New()
	c, id := newTestCeremony(t)
	if err := r.Insert(id, c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var expiredEvents []ceremony.Event
	reaper := NewReaper(r, buffers, ReaperConfig{Interval: 10 * time.Millisecond, TTL: 20 * time.Millisecond}, func(ev ceremony.Event) {
		expiredEvents = append(expiredEvents, ev)
	})

	ctx := context.Background()
	reaper.Start(ctx)
	defer reaper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Get(id) == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ceremony was not reaped within the expected window")
}
