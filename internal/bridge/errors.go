package bridge

import "errors"

var (
	ErrInvalidPair      = errors.New("bridge: invalid chain pair")
	ErrUnknownChain     = errors.New("bridge: unknown chain")
	ErrUnsupportedRoute = errors.New("bridge: unsupported route")
	ErrInvalidAmount    = errors.New("bridge: invalid amount")
	ErrInvalidAddress   = errors.New("bridge: invalid address")
	ErrInvalidInput     = errors.New("bridge: invalid input")

	ErrNotFound          = errors.New("bridge: not found")
	ErrAlreadyBurned     = errors.New("bridge: already burned")
	ErrNotAttested       = errors.New("bridge: not attested")
	ErrInvalidTransition = errors.New("bridge: invalid transition")
	ErrConflict          = errors.New("bridge: conflict")

	ErrTransient          = errors.New("bridge: transient collaborator error")
	ErrAttestationTimeout = errors.New("bridge: attestation timed out")
)

// Kind classifies errors so callers can tell bad input from not-ready-yet
// from permanently failed without looking at error text.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransient
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindExhausted:
		return "exhausted"
	default:
		return "internal"
	}
}

// KindOf maps err to its Kind. Unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidPair),
		errors.Is(err, ErrUnknownChain),
		errors.Is(err, ErrUnsupportedRoute),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyBurned),
		errors.Is(err, ErrNotAttested),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrAttestationTimeout):
		return KindExhausted
	default:
		return KindInternal
	}
}
