package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// RateParams holds the premium rate cap and cycle lengths.
// Defaults encode a 10% annual maximum rate over seconds with weekly
// charge and cooldown cycles.
type RateParams struct {
	MaxRateNum     int64
	MaxRateDenom   int64
	ChargeCycle    int64 // Seconds
	CooldownPeriod int64 // Seconds
}

// ReferralParams holds the referral program configuration.
type ReferralParams struct {
	Reward    int64 // Flat reward credited to both parties' reward points
	Threshold int64 // Min cumulative premiums paid before a code applies
	Enabled   bool
}

func DefaultRateParams() RateParams {
	return RateParams{
		MaxRateNum:     1,
		MaxRateDenom:   315_360_000,
		ChargeCycle:    604_800,
		CooldownPeriod: 604_800,
	}
}

// Governance holds the process-wide administrative state: the two-step
// governance handoff, the paused flag, the premium-collector role and
// the rate/referral parameters governance controls.
type Governance struct {
	governance        common.Address
	pendingGovernance common.Address
	premiumCollector  common.Address
	paused            bool

	// When set, governance may update or deactivate any holder's policy.
	managesPolicies bool

	rateParams     RateParams
	referralParams ReferralParams
}

func NewGovernance(governance common.Address, managesPolicies bool) *Governance {
	return &Governance{
		governance:       governance,
		premiumCollector: governance,
		managesPolicies:  managesPolicies,
		rateParams:       DefaultRateParams(),
		referralParams:   ReferralParams{Enabled: true},
	}
}

// IsGovernance reports whether addr is the current governance
func (g *Governance) IsGovernance(addr common.Address) bool {
	return addr == g.governance
}

// IsPremiumCollector reports whether addr may submit premium batches.
// Governance always may.
func (g *Governance) IsPremiumCollector(addr common.Address) bool {
	return addr == g.premiumCollector || addr == g.governance
}

// ManagesPolicies reports whether governance may act on arbitrary policies
func (g *Governance) ManagesPolicies() bool {
	return g.managesPolicies
}

// Paused reports the global paused flag
func (g *Governance) Paused() bool {
	return g.paused
}

// Governor returns the current governance address
func (g *Governance) Governor() common.Address {
	return g.governance
}

// PendingGovernor returns the nominee, zero when none
func (g *Governance) PendingGovernor() common.Address {
	return g.pendingGovernance
}

// PremiumCollector returns the collector role address
func (g *Governance) PremiumCollector() common.Address {
	return g.premiumCollector
}

// RateParams returns the current rate configuration
func (g *Governance) RateParams() RateParams {
	return g.rateParams
}

// ReferralParams returns the current referral configuration
func (g *Governance) ReferralParams() ReferralParams {
	return g.referralParams
}

// Nominate starts the two-step handoff; only the current governance may
// nominate, and the nominee must be non-zero.
func (g *Governance) Nominate(caller, pending common.Address) error {
	if !g.IsGovernance(caller) {
		return fmt.Errorf("caller %s is not governance", caller.Hex())
	}
	if pending == (common.Address{}) {
		return fmt.Errorf("pending governance cannot be the zero address")
	}
	g.pendingGovernance = pending
	return nil
}

// Accept completes the handoff; only the nominee may accept.
func (g *Governance) Accept(caller common.Address) error {
	if g.pendingGovernance == (common.Address{}) {
		return fmt.Errorf("no pending governance to accept")
	}
	if caller != g.pendingGovernance {
		return fmt.Errorf("caller %s is not the pending governance", caller.Hex())
	}
	g.governance = g.pendingGovernance
	g.pendingGovernance = common.Address{}
	return nil
}

// SetPaused flips the global flag; governance only.
func (g *Governance) SetPaused(caller common.Address, paused bool) error {
	if !g.IsGovernance(caller) {
		return fmt.Errorf("caller %s is not governance", caller.Hex())
	}
	g.paused = paused
	return nil
}

// SetPremiumCollector changes the collector role; governance only.
func (g *Governance) SetPremiumCollector(caller, collector common.Address) error {
	if !g.IsGovernance(caller) {
		return fmt.Errorf("caller %s is not governance", caller.Hex())
	}
	if collector == (common.Address{}) {
		return fmt.Errorf("premium collector cannot be the zero address")
	}
	g.premiumCollector = collector
	return nil
}

// SetRateParams installs new rate parameters; governance only.
func (g *Governance) SetRateParams(caller common.Address, params RateParams) error {
	if !g.IsGovernance(caller) {
		return fmt.Errorf("caller %s is not governance", caller.Hex())
	}
	if params.MaxRateNum < 0 {
		return fmt.Errorf("max_rate_num must be >= 0, got %d", params.MaxRateNum)
	}
	if params.MaxRateDenom <= 0 {
		return fmt.Errorf("max_rate_denom must be > 0, got %d", params.MaxRateDenom)
	}
	if params.ChargeCycle <= 0 {
		return fmt.Errorf("charge_cycle must be > 0, got %d", params.ChargeCycle)
	}
	if params.CooldownPeriod < 0 {
		return fmt.Errorf("cooldown_period must be >= 0, got %d", params.CooldownPeriod)
	}
	g.rateParams = params
	return nil
}

// SetReferralParams installs new referral parameters; governance only.
func (g *Governance) SetReferralParams(caller common.Address, params ReferralParams) error {
	if !g.IsGovernance(caller) {
		return fmt.Errorf("caller %s is not governance", caller.Hex())
	}
	if params.Reward < 0 {
		return fmt.Errorf("referral reward must be >= 0, got %d", params.Reward)
	}
	if params.Threshold < 0 {
		return fmt.Errorf("referral threshold must be >= 0, got %d", params.Threshold)
	}
	g.referralParams = params
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (g *Governance) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, g.governance[:]...)
	buf = append(buf, g.pendingGovernance[:]...)
	buf = append(buf, g.premiumCollector[:]...)

	if g.paused {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = appendInt64LE(buf, g.rateParams.MaxRateNum)
	buf = appendInt64LE(buf, g.rateParams.MaxRateDenom)
	buf = appendInt64LE(buf, g.rateParams.ChargeCycle)
	buf = appendInt64LE(buf, g.rateParams.CooldownPeriod)
	buf = appendInt64LE(buf, g.referralParams.Reward)
	buf = appendInt64LE(buf, g.referralParams.Threshold)

	if g.referralParams.Enabled {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return buf
}

// Restore directly sets the administrative state (snapshot restore)
func (g *Governance) Restore(
	governor, pending, collector common.Address,
	paused bool,
	rateParams RateParams,
	referralParams ReferralParams,
) {
	g.governance = governor
	g.pendingGovernance = pending
	g.premiumCollector = collector
	g.paused = paused
	g.rateParams = rateParams
	g.referralParams = referralParams
}
