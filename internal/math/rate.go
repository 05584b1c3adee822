package math

import "math/big"

// MinRequiredBalance computes the smallest account balance that backs a
// cover limit for one full charge cycle at the maximum premium rate:
//
//	maxRateNum * chargeCycleSeconds * coverLimit / maxRateDenom
//
// The product is carried in a 128-bit intermediate and the division
// truncates toward zero (amounts are never negative here).
func MinRequiredBalance(maxRateNum, maxRateDenom, chargeCycleSeconds, coverLimit int64) int64 {
	if coverLimit <= 0 {
		return 0
	}

	product := MultiplyInt128(maxRateNum*chargeCycleSeconds, coverLimit)
	result := DivideInt128(product, maxRateDenom, RoundDown)
	putInt128(product)

	return result
}

// MaxPremium is the cap on a single cycle's premium charge for a cover
// limit. It is the same quantity as MinRequiredBalance: the deposit floor
// guarantees at least one cycle at the maximum rate is always payable.
func MaxPremium(maxRateNum, maxRateDenom, chargeCycleSeconds, coverLimit int64) int64 {
	return MinRequiredBalance(maxRateNum, maxRateDenom, chargeCycleSeconds, coverLimit)
}

// ProjectedAnnualPremium computes coverLimit * maxRateNum * secondsPerYear / maxRateDenom,
// used by the query service to report the worst-case yearly cost of a policy.
func ProjectedAnnualPremium(maxRateNum, maxRateDenom, coverLimit int64) int64 {
	const secondsPerYear = 31_536_000

	if coverLimit <= 0 {
		return 0
	}

	product := MultiplyInt128(maxRateNum*secondsPerYear, coverLimit)
	result := DivideInt128(product, maxRateDenom, RoundDown)
	putInt128(product)

	return result
}

// SumFits reports whether a+b stays within int64. Premium batches sum
// per-holder charges; the aggregate transfer must not overflow.
func SumFits(a, b int64) bool {
	sum := new(big.Int).Add(big.NewInt(a), big.NewInt(b))
	return sum.IsInt64()
}
