package auction

import "fmt"

// Protocol bounds and defaults. Basis points are always over 10_000.
const (
	MaxFeeBps = uint16(1_000) // protocol fee capped at 10%

	// Slashing penalty premium over shortfall value. The default forfeits
	// 250% of the undelivered energy at clearing price.
	DefaultSlashingPenaltyBps = uint32(15_000)
	MaxSlashingPenaltyBps     = uint32(40_000)

	DefaultMaxSellers     = uint32(256)
	DefaultDeliveryWindow = int64(86_400) // seconds after the epoch start

	// Appeal windows in seconds. Auto-triggered slashings get the shorter
	// window because the evidence already crossed the shortfall threshold.
	AppealWindowReported      = int64(7 * 86_400)
	AppealWindowAutoTriggered = int64(3 * 86_400)

	// A shortfall of 10% or more of the allocation auto-triggers slashing.
	AutoTriggerThresholdBps = uint64(1_000)

	MaxPauseReasonLen = 64
)

// GlobalConfig is the protocol singleton written once by initialize and
// amended only through parameter updates.
type GlobalConfig struct {
	Authority          Address
	QuoteAsset         string
	EnergyAsset        string
	FeeBps             uint16
	SlashingPenaltyBps uint32
	MaxSellers         uint32
	DeliveryWindow     int64 // seconds
	Council            map[Address]bool
	Oracles            map[Address]bool
	Version            uint32
}

// NewGlobalConfig validates and fills defaults for zero-valued knobs.
func NewGlobalConfig(
	authority Address,
	quoteAsset, energyAsset string,
	feeBps uint16,
	slashingBps, maxSellers uint32,
	deliveryWindow int64,
	council, oracles []Address,
) (*GlobalConfig, error) {
	if authority.IsZero() {
		return nil, fmt.Errorf("authority must be set: %w", ErrInvalidAuthority)
	}
	if feeBps > MaxFeeBps {
		return nil, fmt.Errorf("fee_bps %d exceeds cap %d: %w", feeBps, MaxFeeBps, ErrConstraintViolation)
	}
	if quoteAsset == "" || energyAsset == "" {
		return nil, fmt.Errorf("quote and energy assets must be set: %w", ErrConstraintViolation)
	}
	if slashingBps == 0 {
		slashingBps = DefaultSlashingPenaltyBps
	}
	if slashingBps > MaxSlashingPenaltyBps {
		return nil, fmt.Errorf("slashing_penalty_bps %d exceeds cap %d: %w", slashingBps, MaxSlashingPenaltyBps, ErrConstraintViolation)
	}
	if maxSellers == 0 {
		maxSellers = DefaultMaxSellers
	}
	if deliveryWindow == 0 {
		deliveryWindow = DefaultDeliveryWindow
	}
	if deliveryWindow < 0 {
		return nil, fmt.Errorf("delivery_window must be positive, got %d: %w", deliveryWindow, ErrConstraintViolation)
	}

	cfg := &GlobalConfig{
		Authority:          authority,
		QuoteAsset:         quoteAsset,
		EnergyAsset:        energyAsset,
		FeeBps:             feeBps,
		SlashingPenaltyBps: slashingBps,
		MaxSellers:         maxSellers,
		DeliveryWindow:     deliveryWindow,
		Council:            make(map[Address]bool),
		Oracles:            make(map[Address]bool),
		Version:            1,
	}
	for _, a := range council {
		cfg.Council[a] = true
	}
	for _, a := range oracles {
		cfg.Oracles[a] = true
	}
	return cfg, nil
}

// IsCouncil reports whether a may act with council privileges. The authority
// always counts as council.
func (c *GlobalConfig) IsCouncil(a Address) bool {
	return a == c.Authority || c.Council[a]
}

// IsOracle reports whether a is a registered delivery oracle.
func (c *GlobalConfig) IsOracle(a Address) bool {
	return c.Oracles[a]
}

// ParamKind selects which knob a parameter update targets.
type ParamKind uint8

const (
	ParamUnknown ParamKind = iota
	ParamFeeBps
	ParamMaxSellers
	ParamSlashingBps
	ParamDeliveryWindow
	ParamAddOracle
	ParamRemoveOracle
)

func (k ParamKind) String() string {
	switch k {
	case ParamFeeBps:
		return "fee_bps"
	case ParamMaxSellers:
		return "max_sellers"
	case ParamSlashingBps:
		return "slashing_penalty_bps"
	case ParamDeliveryWindow:
		return "delivery_window"
	case ParamAddOracle:
		return "add_oracle"
	case ParamRemoveOracle:
		return "remove_oracle"
	default:
		return "unknown"
	}
}

// ParseParamKind maps the wire name back to the kind.
func ParseParamKind(s string) (ParamKind, error) {
	switch s {
	case "fee_bps":
		return ParamFeeBps, nil
	case "max_sellers":
		return ParamMaxSellers, nil
	case "slashing_penalty_bps":
		return ParamSlashingBps, nil
	case "delivery_window":
		return ParamDeliveryWindow, nil
	case "add_oracle":
		return ParamAddOracle, nil
	case "remove_oracle":
		return ParamRemoveOracle, nil
	default:
		return ParamUnknown, fmt.Errorf("unknown param kind %q: %w", s, ErrConstraintViolation)
	}
}

// ApplyParam validates the new value against per-kind bounds and applies it.
// Every accepted update bumps Version.
func (c *GlobalConfig) ApplyParam(kind ParamKind, value uint64, addr Address) error {
	switch kind {
	case ParamFeeBps:
		if value > uint64(MaxFeeBps) {
			return fmt.Errorf("fee_bps %d exceeds cap %d: %w", value, MaxFeeBps, ErrConstraintViolation)
		}
		c.FeeBps = uint16(value)

	case ParamMaxSellers:
		if value == 0 {
			return fmt.Errorf("max_sellers must be > 0: %w", ErrConstraintViolation)
		}
		if value > uint64(^uint32(0)) {
			return fmt.Errorf("max_sellers %d out of range: %w", value, ErrConstraintViolation)
		}
		c.MaxSellers = uint32(value)

	case ParamSlashingBps:
		if value > uint64(MaxSlashingPenaltyBps) {
			return fmt.Errorf("slashing_penalty_bps %d exceeds cap %d: %w", value, MaxSlashingPenaltyBps, ErrConstraintViolation)
		}
		c.SlashingPenaltyBps = uint32(value)

	case ParamDeliveryWindow:
		if value == 0 {
			return fmt.Errorf("delivery_window must be > 0: %w", ErrConstraintViolation)
		}
		if value > uint64(1<<62) {
			return fmt.Errorf("delivery_window %d out of range: %w", value, ErrConstraintViolation)
		}
		c.DeliveryWindow = int64(value)

	case ParamAddOracle:
		if addr.IsZero() {
			return fmt.Errorf("oracle address must be set: %w", ErrConstraintViolation)
		}
		c.Oracles[addr] = true

	case ParamRemoveOracle:
		if !c.Oracles[addr] {
			return fmt.Errorf("oracle %s is not registered: %w", addr, ErrConstraintViolation)
		}
		delete(c.Oracles, addr)

	default:
		return fmt.Errorf("unknown param kind %d: %w", kind, ErrConstraintViolation)
	}

	c.Version++
	return nil
}

// EmergencyFlag is the global circuit breaker. While set, only the pause
// allowlist (resume, emergency withdrawals, cancellation refunds, health
// checks) may run.
type EmergencyFlag struct {
	Paused   bool
	PausedAt int64
	Reason   string
}

// Pause sets the flag. Pausing twice is rejected so the original reason and
// timestamp survive.
func (f *EmergencyFlag) Pause(reason string, ts int64) error {
	if f.Paused {
		return fmt.Errorf("already paused since %d: %w", f.PausedAt, ErrConstraintViolation)
	}
	if len(reason) > MaxPauseReasonLen {
		return fmt.Errorf("pause reason exceeds %d bytes: %w", MaxPauseReasonLen, ErrConstraintViolation)
	}
	f.Paused = true
	f.PausedAt = ts
	f.Reason = reason
	return nil
}

// Resume clears the flag.
func (f *EmergencyFlag) Resume() error {
	if !f.Paused {
		return fmt.Errorf("not paused: %w", ErrConstraintViolation)
	}
	f.Paused = false
	f.PausedAt = 0
	f.Reason = ""
	return nil
}
