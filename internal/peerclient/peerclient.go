// Package peerclient maintains one persistent length-prefixed TCP connection
// per peer enclave and fans out CeremonyRoundCall traffic to it. Framing is
// grounded on the pack's internal/node/stream_handler.go length-prefixed
// protocol, adapted from a libp2p network.Stream to a plain net.Conn per
// SPEC_FULL.md §10.4 (peer membership is static config, not discovered).
//
// Round-call payloads are signed but not independently AES-sealed by this
// package: PendingBuffer must classify an inbound round call on its decoded
// Kind/ID/AesKey fields (§4.2) before any local ceremony — and therefore any
// ceremony-specific key material — necessarily exists, so those fields must
// be readable straight off the signed envelope. The AES-256-GCM sealing
// named in §6 applies to the concrete wire format given there: the terminal
// response returned to the original requester (see internal/eventfanout).
package peerclient

import (
	"bufio"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/internal/envelope"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

const (
	maxFrameSize           = 1024 * 1024
	dialTimeout            = 10 * time.Second
	writeTimeout           = 10 * time.Second
	sendQueueDepth         = 64
	maxConsecutiveFailures = 5
)

// RoundCallMessage is the JSON shape signed and transmitted for one
// CeremonyRoundCall (SPEC_FULL.md §6: NonceShare, PartialSignatureShare,
// KillCeremony all share this shape, distinguished by Kind).
type RoundCallMessage struct {
	Kind    ceremony.CommandKind
	Signer  ceremony.SignerId
	AesKey  ceremony.AesKey
	ID      ceremony.CeremonyId
	Nonce   [66]byte
	Partial [32]byte
}

// wireFrame is what actually travels length-prefixed over the wire: the
// sender's id, an Ed25519 signature over the encoded message, and the
// message bytes themselves.
type wireFrame struct {
	Signer    ceremony.SignerId
	Signature [ed25519.SignatureSize]byte
	Message   []byte
}

// PeerRegistry resolves a signer id to its host:port, the static roster
// described in SPEC_FULL.md §10.3 (config, not runtime-managed).
type PeerRegistry interface {
	Address(peer ceremony.SignerId) (string, bool)
}

type sendJob struct {
	msg    RoundCallMessage
	result chan error
}

// PeerClient is one persistent outbound connection to a single peer, with a
// bounded send queue so one slow peer cannot block fanout to the others
// (SPEC_FULL.md §9).
type PeerClient struct {
	peer ceremony.SignerId
	addr string
	priv ed25519.PrivateKey
	me   ceremony.SignerId
	log  *logging.Logger

	mu               sync.Mutex
	conn             net.Conn
	consecutiveFails int

	jobs chan sendJob
	quit chan struct{}
	done chan struct{}
}

// New constructs a PeerClient for peer at addr and starts its writer
// goroutine. The connection itself is dialed lazily on the first Send.
func New(me, peer ceremony.SignerId, addr string, priv ed25519.PrivateKey) *PeerClient {
	pc := &PeerClient{
		peer: peer,
		addr: addr,
		priv: priv,
		me:   me,
		log:  logging.GetDefault().Component("peerclient"),
		jobs: make(chan sendJob, sendQueueDepth),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go pc.run()
	return pc
}

func (pc *PeerClient) run() {
	defer close(pc.done)
	for {
		select {
		case <-pc.quit:
			pc.closeConn()
			return
		case job := <-pc.jobs:
			job.result <- pc.sendOnce(job.msg)
		}
	}
}

// Send enqueues a round-call message for delivery, blocking until a send
// slot is available. It returns once the message has been written to the
// wire (or the attempt failed), not once the peer has acted on it — there
// is no application-level ack in this protocol.
func (pc *PeerClient) Send(msg RoundCallMessage) error {
	result := make(chan error, 1)
	select {
	case pc.jobs <- sendJob{msg: msg, result: result}:
	case <-pc.quit:
		return fmt.Errorf("peerclient: client for %x is closed", pc.peer)
	}
	return <-result
}

func (pc *PeerClient) sendOnce(msg RoundCallMessage) error {
	conn, err := pc.ensureConn()
	if err != nil {
		pc.recordFailure()
		return err
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		pc.recordFailure()
		return fmt.Errorf("peerclient: encode round call: %w", err)
	}
	signed := envelope.Sign(pc.me, pc.priv, plaintext)
	frame := wireFrame{Signer: signed.Signer, Signature: signed.Signature, Message: signed.Payload}

	data, err := json.Marshal(frame)
	if err != nil {
		pc.recordFailure()
		return fmt.Errorf("peerclient: encode frame: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeLengthPrefixed(conn, data); err != nil {
		pc.closeConn()
		pc.recordFailure()
		return fmt.Errorf("peerclient: write to %s: %w", pc.addr, err)
	}

	pc.mu.Lock()
	pc.consecutiveFails = 0
	pc.mu.Unlock()
	return nil
}

func (pc *PeerClient) ensureConn() (net.Conn, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.conn != nil {
		return pc.conn, nil
	}
	conn, err := net.DialTimeout("tcp", pc.addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peerclient: dial %s: %w", pc.addr, err)
	}
	pc.conn = conn
	return conn, nil
}

func (pc *PeerClient) closeConn() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn != nil {
		pc.conn.Close()
		pc.conn = nil
	}
}

func (pc *PeerClient) recordFailure() {
	pc.mu.Lock()
	pc.consecutiveFails++
	pc.mu.Unlock()
}

// Unhealthy reports whether this client has reached the consecutive-failure
// threshold. Pool.Get evicts such a client and builds a fresh one on the
// next lookup for its peer.
func (pc *PeerClient) Unhealthy() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.consecutiveFails >= maxConsecutiveFailures
}

// Close stops the client's writer goroutine and closes its connection.
func (pc *PeerClient) Close() {
	close(pc.quit)
	<-pc.done
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("peerclient: frame too large: %d", len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("peerclient: frame too large: %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeInbound reads one framed wireFrame off r, verifies its signature
// against resolver, and returns the decoded RoundCallMessage together with
// the authenticated sender id. Used by the inbound peer listener
// (internal/rpc) before the dispatcher ever sees the call.
func DecodeInbound(r *bufio.Reader, resolver envelope.MrenclaveResolver) (RoundCallMessage, ceremony.SignerId, error) {
	var msg RoundCallMessage

	data, err := readLengthPrefixed(r)
	if err != nil {
		return msg, ceremony.SignerId{}, fmt.Errorf("%w: %v", ceremony.ErrDecodeFailed, err)
	}

	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return msg, ceremony.SignerId{}, fmt.Errorf("%w: %v", ceremony.ErrDecodeFailed, err)
	}

	signed := envelope.Signed{Signer: frame.Signer, Payload: frame.Message, Signature: frame.Signature}
	plaintext, err := envelope.VerifySigned(signed, resolver)
	if err != nil {
		return msg, frame.Signer, err
	}

	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return msg, frame.Signer, fmt.Errorf("%w: %v", ceremony.ErrDecodeFailed, err)
	}
	return msg, frame.Signer, nil
}
