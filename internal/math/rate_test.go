package math_test

import (
	"math"
	"testing"

	covermath "CoverLedger/internal/math"
)

// Default product parameters: 1/315_360_000 per second max rate,
// weekly charge cycle.
const (
	defaultRateNum   = int64(1)
	defaultRateDenom = int64(315_360_000)
	weekSeconds      = int64(604_800)
)

func TestMinRequiredBalance_DefaultParams(t *testing.T) {
	cases := []struct {
		coverLimit int64
		want       int64
	}{
		{0, 0},
		{-5, 0},
		{1_000_000, 1_917},        // 604800 * 1e6 / 315360000, floored
		{400_000, 767},            // 604800 * 4e5 / 315360000, floored
		{315_360_000, 604_800},    // exact division
		{630_720_000, 1_209_600},  // exact division
	}

	for _, tc := range cases {
		got := covermath.MinRequiredBalance(defaultRateNum, defaultRateDenom, weekSeconds, tc.coverLimit)
		if got != tc.want {
			t.Errorf("MinRequiredBalance(cover=%d): got %d, want %d", tc.coverLimit, got, tc.want)
		}
	}
}

func TestMinRequiredBalance_LargeIntermediate(t *testing.T) {
	// maxRateNum*chargeCycle*coverLimit overflows int64; the 128-bit
	// intermediate must carry it. The denominator divides the cover limit
	// exactly, so the result is cycle * 2^20.
	coverLimit := defaultRateDenom << 20
	got := covermath.MinRequiredBalance(defaultRateNum, defaultRateDenom, weekSeconds, coverLimit)

	want := weekSeconds << 20
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestMaxPremium_EqualsMinRequiredBalance(t *testing.T) {
	for _, coverLimit := range []int64{1, 999, 1_000_000, 315_360_000} {
		minReq := covermath.MinRequiredBalance(defaultRateNum, defaultRateDenom, weekSeconds, coverLimit)
		maxPrem := covermath.MaxPremium(defaultRateNum, defaultRateDenom, weekSeconds, coverLimit)
		if minReq != maxPrem {
			t.Errorf("cover=%d: minReq=%d maxPremium=%d", coverLimit, minReq, maxPrem)
		}
	}
}

func TestProjectedAnnualPremium(t *testing.T) {
	// 31_536_000 seconds per year at 1/315_360_000 per second is exactly
	// 10% of the cover limit.
	got := covermath.ProjectedAnnualPremium(defaultRateNum, defaultRateDenom, 1_000_000)
	if got != 100_000 {
		t.Errorf("got %d, want 100_000", got)
	}

	if got := covermath.ProjectedAnnualPremium(defaultRateNum, defaultRateDenom, 0); got != 0 {
		t.Errorf("zero cover: got %d, want 0", got)
	}
}

func TestSumFits(t *testing.T) {
	if !covermath.SumFits(1, 2) {
		t.Error("1+2 fits")
	}
	if !covermath.SumFits(math.MaxInt64, 0) {
		t.Error("MaxInt64+0 fits")
	}
	if covermath.SumFits(math.MaxInt64, 1) {
		t.Error("MaxInt64+1 overflows")
	}
	if covermath.SumFits(math.MinInt64, -1) {
		t.Error("MinInt64-1 overflows")
	}
}
