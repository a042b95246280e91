package ceremony

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// buildContext constructs the MuSig2 signing context for payload against the
// given sorted signer set, applying whichever tweak the payload variant
// calls for. It mirrors internal/swap.MuSig2Session.computeAggregatedKey /
// InitSigningSession (github.com/klingon-exchange/klingon-v2, 2-party),
// generalized here to the N-party signer set a ceremony owns.
func buildContext(payload CeremonyId, signers []SignerEntry, myPrivKey *btcec.PrivateKey) (*musig2.Context, *btcec.PublicKey, error) {
	pubKeys := make([]*btcec.PublicKey, len(signers))
	for i, s := range signers {
		pubKeys[i] = s.PubKey
	}

	ctxOpts := []musig2.ContextOption{
		musig2.WithKnownSigners(pubKeys),
	}

	switch payload.Variant {
	case PayloadDerived:
		// no tweak
	case PayloadTaprootUnspendable:
		ctxOpts = append(ctxOpts, musig2.WithTaprootTweakCtx(nil))
	case PayloadTaprootSpendable:
		root := make([]byte, 32)
		copy(root, payload.MerkleRoot[:])
		ctxOpts = append(ctxOpts, musig2.WithTaprootTweakCtx(root))
	case PayloadWithTweaks:
		descs := make([]musig2.KeyTweakDesc, 0, len(payload.Tweaks))
		for _, t := range payload.Tweaks {
			var scalar btcec.ModNScalar
			overflow := scalar.SetByteSlice(t.Scalar[:])
			if overflow {
				return nil, nil, &KeyAggregationError{Reason: KeyAggReasonInvalidScalar}
			}
			descs = append(descs, musig2.KeyTweakDesc{
				Tweak:   t.Scalar,
				IsXOnly: t.XOnly,
			})
		}
		ctxOpts = append(ctxOpts, musig2.WithTweaks(descs...))
	default:
		return nil, nil, &KeyAggregationError{Reason: KeyAggReasonInternal}
	}

	// shouldSort=false: signers is already the one canonical sorted order
	// every participant independently derives (types.go:sortSigners); letting
	// the library re-sort here would just redo the same work.
	ctx, err := musig2.NewContext(myPrivKey, false, ctxOpts...)
	if err != nil {
		reason := KeyAggReasonInternal
		if payload.Variant == PayloadTaprootSpendable || payload.Variant == PayloadTaprootUnspendable {
			reason = KeyAggReasonTaprootTweakFailed
		}
		return nil, nil, &KeyAggregationError{Reason: reason, Err: err}
	}

	return ctx, ctx.CombinedKey(), nil
}
