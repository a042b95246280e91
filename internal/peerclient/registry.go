package peerclient

import (
	"crypto/ed25519"
	"sync"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

// Pool owns the live peer->PeerClient map and fills it lazily from a
// PeerRegistry roster; Get evicts a client past the consecutive-failure
// threshold and builds a fresh one in its place (SPEC_FULL.md §4.4 step 2,
// §9 peer-client lifecycle).
type Pool struct {
	me       ceremony.SignerId
	priv     ed25519.PrivateKey
	registry PeerRegistry
	log      *logging.Logger

	mu      sync.Mutex
	clients map[ceremony.SignerId]*PeerClient
}

// NewPool constructs an empty pool for the local identity me.
func NewPool(me ceremony.SignerId, priv ed25519.PrivateKey, registry PeerRegistry) *Pool {
	return &Pool{
		me:       me,
		priv:     priv,
		registry: registry,
		log:      logging.GetDefault().Component("peerclient"),
		clients:  make(map[ceremony.SignerId]*PeerClient),
	}
}

// Get returns (creating if necessary) the client for peer, or an error if
// peer has no known address in the roster.
func (p *Pool) Get(peer ceremony.SignerId) (*PeerClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[peer]; ok && !c.Unhealthy() {
		return c, nil
	} else if ok {
		c.Close()
		delete(p.clients, peer)
		p.log.Warn("evicted unhealthy peer client", "peer", fmtSigner(peer))
	}

	addr, ok := p.registry.Address(peer)
	if !ok {
		return nil, errUnknownPeer(peer)
	}
	c := New(p.me, peer, addr, p.priv)
	p.clients[peer] = c
	return c, nil
}

// Reconcile evicts every client that has crossed the failure threshold,
// without eagerly reconnecting — the next Send against that peer dials
// fresh (SPEC_FULL.md §4.4 step 2: "retried on the next sweep").
func (p *Pool) Reconcile() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for peer, c := range p.clients {
		if c.Unhealthy() {
			c.Close()
			delete(p.clients, peer)
			p.log.Warn("evicted unhealthy peer client", "peer", fmtSigner(peer))
		}
	}
}

// CloseAll tears down every live client, for process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for peer, c := range p.clients {
		c.Close()
		delete(p.clients, peer)
	}
}

type unknownPeerError struct {
	peer ceremony.SignerId
}

func (e unknownPeerError) Error() string {
	return "peerclient: no known address for peer " + fmtSigner(e.peer)
}

func errUnknownPeer(peer ceremony.SignerId) error { return unknownPeerError{peer: peer} }

func fmtSigner(s ceremony.SignerId) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[i*2] = hextable[s[i]>>4]
		out[i*2+1] = hextable[s[i]&0x0f]
	}
	return string(out)
}
