package rpc

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/internal/dispatcher"
)

// CeremonyResultPush is the WebSocket payload for EventCeremonyResult: the
// hex submission hash the requester already holds from sign_bitcoin's
// synchronous reply, and the base64 AES-256-GCM ciphertext (SPEC_FULL.md
// §6: sig64 on success, encoded(ErrorCode) on failure/timeout — the
// requester tells them apart by ciphertext length after decryption).
type CeremonyResultPush struct {
	Hash       string `json:"hash"`
	Ciphertext string `json:"ciphertext"`
}

// Deliver implements eventfanout.ResponseSink by pushing the sealed
// terminal reply to every WebSocket client subscribed to
// EventCeremonyResult. There is no per-request HTTP connection to reply
// on — SignBitcoin's synchronous response is only Submitted(hash); the
// original enclave requester correlates the later push by that same hash.
func (s *Server) Deliver(id ceremony.CeremonyId, ciphertext []byte) {
	if s.wsHub == nil {
		return
	}
	sum, err := dispatcher.SubmissionHash(id)
	if err != nil {
		s.log.Warn("failed to hash ceremony id for result push", "error", err)
		return
	}
	s.wsHub.Broadcast(EventCeremonyResult, &CeremonyResultPush{
		Hash:       hex.EncodeToString(sum[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
}
