package ceremony

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeCeremonyId implements the SCALE-like tagged-union wire encoding
// described in SPEC_FULL.md §6/§10.7: one variant tag byte, then the
// variant's fields. No generic SCALE (or equivalent closed-tagged-union)
// codec library is available in this module's dependency surface, so this
// is a small hand-rolled binary codec rather than a generated one — see
// DESIGN.md for the justification.
//
// Wire shape per variant:
//
//	Derived:            tag(1) || len(message)(4, BE) || message
//	TaprootUnspendable: tag(1) || len(message)(4, BE) || message
//	TaprootSpendable:   tag(1) || len(message)(4, BE) || message || merkle_root(32)
//	WithTweaks:         tag(1) || len(message)(4, BE) || message || count(2, BE) || (scalar(32) || xonly(1))*
func EncodeCeremonyId(id CeremonyId) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(id.Variant))

	var lenField [4]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(len(id.Message)))
	buf.Write(lenField[:])
	buf.Write(id.Message)

	switch id.Variant {
	case PayloadDerived, PayloadTaprootUnspendable:
		// no further fields
	case PayloadTaprootSpendable:
		buf.Write(id.MerkleRoot[:])
	case PayloadWithTweaks:
		if len(id.Tweaks) > 0xFFFF {
			return nil, fmt.Errorf("ceremony: too many tweaks to encode (%d)", len(id.Tweaks))
		}
		var count [2]byte
		binary.BigEndian.PutUint16(count[:], uint16(len(id.Tweaks)))
		buf.Write(count[:])
		for _, t := range id.Tweaks {
			buf.Write(t.Scalar[:])
			if t.XOnly {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
	default:
		return nil, fmt.Errorf("ceremony: unknown payload variant %d", id.Variant)
	}

	return buf.Bytes(), nil
}

// DecodeCeremonyId is the inverse of EncodeCeremonyId.
func DecodeCeremonyId(data []byte) (CeremonyId, error) {
	if len(data) < 5 {
		return CeremonyId{}, fmt.Errorf("%w: ceremony id too short", ErrDecodeFailed)
	}
	variant := PayloadVariant(data[0])
	msgLen := binary.BigEndian.Uint32(data[1:5])
	rest := data[5:]
	if uint32(len(rest)) < msgLen {
		return CeremonyId{}, fmt.Errorf("%w: truncated message field", ErrDecodeFailed)
	}
	message := append([]byte(nil), rest[:msgLen]...)
	rest = rest[msgLen:]

	id := CeremonyId{Variant: variant, Message: message}

	switch variant {
	case PayloadDerived, PayloadTaprootUnspendable:
		return id, nil
	case PayloadTaprootSpendable:
		if len(rest) < 32 {
			return CeremonyId{}, fmt.Errorf("%w: truncated merkle root", ErrDecodeFailed)
		}
		copy(id.MerkleRoot[:], rest[:32])
		return id, nil
	case PayloadWithTweaks:
		if len(rest) < 2 {
			return CeremonyId{}, fmt.Errorf("%w: truncated tweak count", ErrDecodeFailed)
		}
		count := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		tweaks := make([]ExplicitTweak, 0, count)
		for i := uint16(0); i < count; i++ {
			if len(rest) < 33 {
				return CeremonyId{}, fmt.Errorf("%w: truncated tweak entry", ErrDecodeFailed)
			}
			var t ExplicitTweak
			copy(t.Scalar[:], rest[:32])
			t.XOnly = rest[32] != 0
			rest = rest[33:]
			tweaks = append(tweaks, t)
		}
		id.Tweaks = tweaks
		return id, nil
	default:
		return CeremonyId{}, fmt.Errorf("%w: unknown payload variant %d", ErrDecodeFailed, variant)
	}
}
