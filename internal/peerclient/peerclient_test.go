package peerclient

import (
	"bufio"
	"crypto/ed25519"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
)

type staticResolver struct {
	signer ceremony.SignerId
	pub    ed25519.PublicKey
}

func (r staticResolver) ResolvePubKey(signer ceremony.SignerId) (ed25519.PublicKey, error) {
	if signer != r.signer {
		return nil, errors.New("unknown signer")
	}
	return r.pub, nil
}

func TestSendAndDecodeInboundRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var me, peer ceremony.SignerId
	copy(me[:], pub)
	peer[0] = 0xAA

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan RoundCallMessage, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, signer, err := DecodeInbound(bufio.NewReader(conn), staticResolver{signer: me, pub: pub})
		if err != nil {
			t.Errorf("DecodeInbound: %v", err)
			return
		}
		if signer != me {
			t.Errorf("signer = %x, want %x", signer, me)
		}
		received <- msg
	}()

	client := New(me, peer, ln.Addr().String(), priv)
	defer client.Close()

	want := RoundCallMessage{
		Kind:   ceremony.CommandSaveNonce,
		Signer: me,
		ID:     ceremony.CeremonyId{Variant: ceremony.PayloadDerived, Message: []byte{1, 2, 3}},
	}
	want.Nonce[0] = 0x42

	if err := client.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.Kind != want.Kind || got.Nonce != want.Nonce {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestSendFailsWithoutListener(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	var me, peer ceremony.SignerId

	client := New(me, peer, "127.0.0.1:1", priv)
	defer client.Close()

	for i := 0; i < maxConsecutiveFailures; i++ {
		if err := client.Send(RoundCallMessage{Kind: ceremony.CommandKill}); err == nil {
			t.Fatal("expected Send to a closed port to fail")
		}
	}
	if !client.Unhealthy() {
		t.Fatal("client should be marked unhealthy after repeated failures are recorded")
	}
}

type staticRegistry map[ceremony.SignerId]string

func (r staticRegistry) Address(peer ceremony.SignerId) (string, bool) {
	addr, ok := r[peer]
	return addr, ok
}

func TestPoolGetUnknownPeer(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	var me, peer ceremony.SignerId

	pool := NewPool(me, priv, staticRegistry{})
	if _, err := pool.Get(peer); err == nil {
		t.Fatal("expected error for unregistered peer")
	}
}

func TestPoolGetReusesHealthyClient(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	var me, peer ceremony.SignerId
	peer[0] = 1

	pool := NewPool(me, priv, staticRegistry{peer: "127.0.0.1:0"})
	defer pool.CloseAll()

	c1, err := pool.Get(peer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c2, err := pool.Get(peer)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c1 != c2 {
		t.Fatal("Get should reuse the same client for a healthy peer")
	}
}
