package core

import "errors"

// Command rejection taxonomy. Every precondition violation aborts the
// whole command with no state change; the partial-charge path inside a
// premium batch is a successful outcome, not an error.
var (
	// Authorization
	ErrNotGovernance       = errors.New("caller is not governance")
	ErrNotPolicyOwner      = errors.New("caller is not the policy owner or governance")
	ErrNotPremiumCollector = errors.New("caller is not the premium collector")

	// Validation
	ErrZeroAddress         = errors.New("zero address")
	ErrZeroCoverLimit      = errors.New("zero cover limit")
	ErrLengthMismatch      = errors.New("length mismatch")
	ErrInvalidPolicy       = errors.New("invalid policy")
	ErrPolicyCountExceeded = errors.New("policy count exceeded")
	ErrRateExceedsMax      = errors.New("charging more than promised maximum rate")

	// Capacity
	ErrInsufficientCapacity = errors.New("insufficient capacity for new cover")

	// Funding
	ErrInsufficientDeposit = errors.New("insufficient deposit for minimum required account balance")
	ErrNoBalance           = errors.New("no account balance to withdraw")
	ErrOverWithdraw        = errors.New("cannot withdraw more than account balance")

	// Referral
	ErrSelfReferral      = errors.New("cannot refer to self")
	ErrReferralCodeUsed  = errors.New("cannot use referral code again")
	ErrReferrerNotActive = errors.New("referrer must be an active policyholder")
	ErrReferralThreshold = errors.New("premium-paid threshold not met")
	ErrInvalidSignature  = errors.New("invalid referral code signature")

	// Lifecycle
	ErrPolicyAlreadyActive = errors.New("policy already activated")
	ErrPaused              = errors.New("product is paused")
)
