package rpc

import (
	"bufio"
	"net"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/internal/dispatcher"
	"github.com/klingon-exchange/musig2-ceremony/internal/envelope"
	"github.com/klingon-exchange/musig2-ceremony/internal/peerclient"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

const frameReadDeadline = 30 * time.Second

// PeerListener accepts inbound CeremonyRoundCall connections from peer
// enclaves (SPEC_FULL.md §10.4): plain framed TCP, one goroutine per
// connection, each frame verified against resolver before the decoded
// command ever reaches the dispatcher.
type PeerListener struct {
	addr       string
	resolver   envelope.MrenclaveResolver
	dispatcher *dispatcher.Dispatcher
	log        *logging.Logger

	listener net.Listener
	done     chan struct{}
}

// NewPeerListener constructs a listener bound to addr.
func NewPeerListener(addr string, resolver envelope.MrenclaveResolver, d *dispatcher.Dispatcher) *PeerListener {
	return &PeerListener{
		addr:       addr,
		resolver:   resolver,
		dispatcher: d,
		log:        logging.GetDefault().Component("peerlistener"),
		done:       make(chan struct{}),
	}
}

// Start begins accepting connections in the background.
func (pl *PeerListener) Start() error {
	l, err := net.Listen("tcp", pl.addr)
	if err != nil {
		return err
	}
	pl.listener = l
	go pl.acceptLoop()
	pl.log.Info("peer round-call listener started", "addr", pl.addr)
	return nil
}

// Stop closes the listener and waits for the accept loop to exit.
func (pl *PeerListener) Stop() error {
	err := pl.listener.Close()
	<-pl.done
	return err
}

func (pl *PeerListener) acceptLoop() {
	defer close(pl.done)
	for {
		conn, err := pl.listener.Accept()
		if err != nil {
			return
		}
		go pl.handleConn(conn)
	}
}

func (pl *PeerListener) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(frameReadDeadline))

		msg, signer, err := peerclient.DecodeInbound(reader, pl.resolver)
		if err != nil {
			pl.log.Warn("inbound round call rejected", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		if msg.Signer != signer {
			pl.log.Warn("inbound round call signer mismatch", "remote", conn.RemoteAddr())
			return
		}

		pl.dispatcher.Submit(ceremony.Command{
			Kind:    msg.Kind,
			Signer:  signer,
			AesKey:  msg.AesKey,
			ID:      msg.ID,
			Nonce:   msg.Nonce,
			Partial: msg.Partial,
		})
	}
}
