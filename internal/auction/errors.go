package auction

import (
	"errors"

	"GridClear/internal/math"
)

// Operation errors. Handlers wrap these sentinels with fmt.Errorf("...: %w")
// so callers classify failures with errors.Is.
var (
	ErrInvalidAuthority    = errors.New("invalid authority for this operation")
	ErrDuplicateSupply     = errors.New("supply already committed for this seller and timeslot")
	ErrInvalidTimeslot     = errors.New("timeslot is not in the required state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnauthorized        = errors.New("unauthorized signer")
	ErrConstraintViolation = errors.New("constraint violated")
	ErrAlreadyClaimed      = errors.New("already claimed")

	// ErrInvalidReport rejects a delivery confirmation before any
	// SlashingState is written.
	ErrInvalidReport = errors.New("invalid delivery report")

	// ErrConservation marks a broken conservation check. The auction is
	// moved to Failed and the only recovery path is cancellation.
	ErrConservation = errors.New("conservation invariant violated")

	// ErrEmergencyPauseActive fails every mutating operation outside the
	// pause allowlist while the emergency flag is set.
	ErrEmergencyPauseActive = errors.New("emergency pause active")
)

// ErrMathError aliases the checked-arithmetic sentinel so both names work
// with errors.Is.
var ErrMathError = math.ErrOverflow
