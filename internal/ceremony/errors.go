package ceremony

import "errors"

// Construction errors: returned by New, before any registry entry exists.
var (
	ErrNotEnoughSigners  = errors.New("ceremony: at least min_signers signers are required")
	ErrSelfNotInSigners  = errors.New("ceremony: local signer id is not a member of the signer set")
	ErrDuplicateSigner   = errors.New("ceremony: duplicate signer id in signer set")
	ErrNonceSeedRngFailed = errors.New("ceremony: failed to sample nonce seed")
)

// KeyAggReason distinguishes the ways key aggregation can fail.
type KeyAggReason int

const (
	KeyAggReasonInvalidScalar KeyAggReason = iota
	KeyAggReasonTaprootTweakFailed
	KeyAggReasonInternal
)

func (r KeyAggReason) String() string {
	switch r {
	case KeyAggReasonInvalidScalar:
		return "invalid_scalar"
	case KeyAggReasonTaprootTweakFailed:
		return "taproot_tweak_failed"
	default:
		return "internal"
	}
}

// KeyAggregationError wraps a key-aggregation failure with its reason.
type KeyAggregationError struct {
	Reason KeyAggReason
	Err    error
}

func (e *KeyAggregationError) Error() string {
	if e.Err != nil {
		return "ceremony: key aggregation failed (" + e.Reason.String() + "): " + e.Err.Error()
	}
	return "ceremony: key aggregation failed (" + e.Reason.String() + ")"
}

func (e *KeyAggregationError) Unwrap() error { return e.Err }

// Round reception errors: returned by ReceiveNonce / ReceivePartialSign.
var (
	ErrSignerNotFound              = errors.New("ceremony: signer is not a member of this ceremony")
	ErrContributionError           = errors.New("ceremony: contribution rejected")
	ErrIncorrectRound              = errors.New("ceremony: command does not match current round")
	ErrFirstRoundFinalizationError = errors.New("ceremony: first round finalization failed")
	ErrSecondRoundFinalizationError = errors.New("ceremony: second round finalization failed")
)

// Registry-level errors, surfaced by internal/registry.
var (
	ErrAlreadyExists        = errors.New("registry: ceremony id already exists")
	ErrCreateCeremonyError  = errors.New("registry: ceremony construction failed")
)

// Envelope errors, surfaced by the dispatcher before any ceremony state is touched.
var (
	ErrSignatureInvalid   = errors.New("envelope: signature verification failed")
	ErrDecryptFailed      = errors.New("envelope: decryption failed")
	ErrDecodeFailed       = errors.New("envelope: decode failed")
	ErrMrenclaveQueryFailed = errors.New("envelope: mrenclave query failed")
)

// ErrorCode is the compact, wire-encodable error classification returned to a
// requester on CeremonyError/TimedOut (see envelope.EncodeErrorCode for its
// wire form).
type ErrorCode uint8

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeNotEnoughSigners
	ErrCodeSelfNotInSignerSet
	ErrCodeKeyAggregationError
	ErrCodeNonceSeedRngFailed
	ErrCodeSignerNotFound
	ErrCodeContributionError
	ErrCodeIncorrectRound
	ErrCodeFirstRoundFinalizationError
	ErrCodeSecondRoundFinalizationError
	ErrCodeAlreadyExists
	ErrCodeCreateCeremonyError
	ErrCodeTimeout
)

// String returns the snake_case label used as the metrics "reason" value
// (SPEC_FULL.md §10.2: musig2_ceremony_failed_total{reason}).
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNotEnoughSigners:
		return "not_enough_signers"
	case ErrCodeSelfNotInSignerSet:
		return "self_not_in_signer_set"
	case ErrCodeKeyAggregationError:
		return "key_aggregation_error"
	case ErrCodeNonceSeedRngFailed:
		return "nonce_seed_rng_failed"
	case ErrCodeSignerNotFound:
		return "signer_not_found"
	case ErrCodeContributionError:
		return "contribution_error"
	case ErrCodeIncorrectRound:
		return "incorrect_round"
	case ErrCodeFirstRoundFinalizationError:
		return "first_round_finalization_error"
	case ErrCodeSecondRoundFinalizationError:
		return "second_round_finalization_error"
	case ErrCodeAlreadyExists:
		return "already_exists"
	case ErrCodeCreateCeremonyError:
		return "create_ceremony_error"
	case ErrCodeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrorCodeFor classifies an error returned by the ceremony/registry layer
// into its compact wire code. Unrecognized errors map to ErrCodeUnknown.
func ErrorCodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrCodeUnknown
	case errors.Is(err, ErrNotEnoughSigners):
		return ErrCodeNotEnoughSigners
	case errors.Is(err, ErrSelfNotInSigners):
		return ErrCodeSelfNotInSignerSet
	case errors.Is(err, ErrNonceSeedRngFailed):
		return ErrCodeNonceSeedRngFailed
	case errors.Is(err, ErrSignerNotFound):
		return ErrCodeSignerNotFound
	case errors.Is(err, ErrContributionError):
		return ErrCodeContributionError
	case errors.Is(err, ErrIncorrectRound):
		return ErrCodeIncorrectRound
	case errors.Is(err, ErrFirstRoundFinalizationError):
		return ErrCodeFirstRoundFinalizationError
	case errors.Is(err, ErrSecondRoundFinalizationError):
		return ErrCodeSecondRoundFinalizationError
	case errors.Is(err, ErrAlreadyExists):
		return ErrCodeAlreadyExists
	case errors.Is(err, ErrCreateCeremonyError):
		return ErrCodeCreateCeremonyError
	default:
		var kae *KeyAggregationError
		if errors.As(err, &kae) {
			return ErrCodeKeyAggregationError
		}
		return ErrCodeUnknown
	}
}
