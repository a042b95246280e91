package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
	"github.com/klingon-exchange/musig2-ceremony/internal/dispatcher"
)

// SignBitcoinParams is the DirectCall::SignBitcoin request body
// (SPEC_FULL.md §6): the payload to sign over and the AES key the terminal
// result will be sealed with.
type SignBitcoinParams struct {
	Payload ceremony.CeremonyId `json:"payload"`
	AesKey  ceremony.AesKey     `json:"aes_key"`
}

// SignBitcoinResult is the synchronous Submitted(hash) reply.
type SignBitcoinResult struct {
	Hash string `json:"hash"`
}

func (s *Server) signBitcoin(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SignBitcoinParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	me, err := s.cfg.SignerID()
	if err != nil {
		return nil, fmt.Errorf("resolve local signer id: %w", err)
	}
	roster, err := s.cfg.Roster()
	if err != nil {
		return nil, fmt.Errorf("resolve signer roster: %w", err)
	}

	sum, err := dispatcher.SubmissionHash(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	s.dispatcher.Submit(ceremony.Command{
		Kind:    ceremony.CommandInit,
		Me:      me,
		AesKey:  p.AesKey,
		ID:      p.Payload,
		Signers: roster,
	})

	return &SignBitcoinResult{Hash: hex.EncodeToString(sum[:])}, nil
}

// CheckSignBitcoinResult reports whether a SignBitcoin call against the
// current roster would succeed at construction time.
type CheckSignBitcoinResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) checkSignBitcoin(ctx context.Context, params json.RawMessage) (interface{}, error) {
	me, err := s.cfg.SignerID()
	if err != nil {
		return nil, fmt.Errorf("resolve local signer id: %w", err)
	}
	roster, err := s.cfg.Roster()
	if err != nil {
		return nil, fmt.Errorf("resolve signer roster: %w", err)
	}

	if err := s.dispatcher.CheckSignBitcoin(me, roster); err != nil {
		return &CheckSignBitcoinResult{OK: false, Error: err.Error()}, nil
	}
	return &CheckSignBitcoinResult{OK: true}, nil
}

// OutcomeCountsParams bounds the audit-ledger forensics query to outcomes
// terminated within the last SinceSeconds seconds (SPEC_FULL.md §10.6).
type OutcomeCountsParams struct {
	SinceSeconds int64 `json:"since_seconds"`
}

func (s *Server) outcomeCounts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.ledger == nil {
		return nil, fmt.Errorf("audit ledger not configured")
	}

	var p OutcomeCountsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	if p.SinceSeconds <= 0 {
		p.SinceSeconds = int64((24 * time.Hour).Seconds())
	}

	counts, err := s.ledger.OutcomeCounts(time.Now().Add(-time.Duration(p.SinceSeconds) * time.Second))
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(counts))
	for outcome, n := range counts {
		out[string(outcome)] = n
	}
	return out, nil
}
