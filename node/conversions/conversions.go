package conversions

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// All amounts in this codebase are fixed point integers in their lowest
// divisible unit:
//
//	VESTS  1e-6  ("micro vests", the share unit on chain)
//	HIVE   1e-3  (the payable precision on chain)
//	nano   1e-9  HIVE (internal precision for carried remainders)
//
// Remainders below 0.001 HIVE are carried between runs, so internal math is
// done in nano HIVE and only the final payment is truncated to 1e-3.
const (
	VestsPrecision = 6
	HivePrecision  = 3
	NanoPrecision  = 9

	// NanoPerMilli is the payout quantum: 0.001 HIVE in nano HIVE.
	NanoPerMilli = 1e6
)

// VestsToHive converts an amount of micro VESTS into nano HIVE using the
// network-wide ratio total_vesting_fund_hive / total_vesting_shares.
// fundMilli is the vesting fund in 1e-3 HIVE, sharesMicro the total vesting
// shares in 1e-6 VESTS.
//
//	     vests          fund HIVE
//	  ----------   *   -----------   =   hive
//	      1              shares
//
// Uses big ints to avoid overflows. ALWAYS multiply first. If you do not
// adhere to the order of operations, the truncation of the intermediate
// division will eat the answer.
func VestsToHive(vestsMicro, fundMilli, sharesMicro int64) (int64, error) {
	if vestsMicro < 0 {
		return 0, fmt.Errorf("invalid amount: must be greater than or equal to zero")
	}
	if fundMilli <= 0 || sharesMicro <= 0 {
		return 0, fmt.Errorf("invalid conversion ratio: %d/%d", fundMilli, sharesMicro)
	}

	// (vests * fund * 1e6) / shares
	// The 1e6 factor lifts 1e-6 VESTS * 1e-3 HIVE into 1e-9 HIVE.
	num := new(big.Int).Mul(big.NewInt(vestsMicro), big.NewInt(fundMilli))
	num.Mul(num, big.NewInt(1e6))
	num.Div(num, big.NewInt(sharesMicro))
	if !num.IsInt64() {
		return 0, fmt.Errorf("integer overflow")
	}
	return num.Int64(), nil
}

// TruncateToMilli floors a nano HIVE amount to the payable 1e-3 precision,
// returning the payable amount (still in nano) and the sub-precision
// remainder. Floor, never round: we must never promise more than is held.
func TruncateToMilli(nano int64) (payable, remainder int64) {
	if nano <= 0 {
		return 0, nano
	}
	payable = nano - nano%NanoPerMilli
	return payable, nano - payable
}

var validAmount = regexp.MustCompile(`^([0-9]+)(\.[0-9]+)?$`)

// parseFixed parses a decimal string into an integer with the given number
// of decimal places. Extra decimals are an error, not silently truncated.
func parseFixed(amt string, precision int) (int64, error) {
	m := validAmount.FindStringSubmatch(amt)
	if m == nil {
		return 0, fmt.Errorf("invalid amount %q", amt)
	}

	whole, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, err
	}
	total := whole
	for i := 0; i < precision; i++ {
		total *= 10
	}

	if m[2] != "" {
		frac := m[2][1:]
		if len(frac) > precision {
			return 0, fmt.Errorf("amount %q only subdivisible up to 1e-%d", amt, precision)
		}
		part, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, err
		}
		for i := len(frac); i < precision; i++ {
			part *= 10
		}
		total += part
	}
	return total, nil
}

func formatFixed(amt int64, precision int) string {
	neg := ""
	if amt < 0 {
		neg = "-"
		amt = -amt
	}
	div := int64(1)
	for i := 0; i < precision; i++ {
		div *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", neg, amt/div, precision, amt%div)
}

// ParseVests parses chain amounts like "1234.567890 VESTS" into micro VESTS.
// A bare number is accepted as well.
func ParseVests(s string) (int64, error) {
	return parseFixed(strings.TrimSuffix(s, " VESTS"), VestsPrecision)
}

// ParseHive parses chain amounts like "12.345 HIVE" into milli HIVE.
func ParseHive(s string) (int64, error) {
	return parseFixed(strings.TrimSuffix(s, " HIVE"), HivePrecision)
}

// FormatVests renders micro VESTS in the chain's "%.6f VESTS" form.
func FormatVests(micro int64) string {
	return formatFixed(micro, VestsPrecision) + " VESTS"
}

// FormatHive renders a nano HIVE amount truncated to the payable "%.3f HIVE"
// form used on the wire.
func FormatHive(nano int64) string {
	payable, _ := TruncateToMilli(nano)
	return formatFixed(payable/NanoPerMilli, HivePrecision) + " HIVE"
}

// FormatHiveFull renders a nano HIVE amount at full internal precision.
// Used for logs and the persisted cache, never for transfers.
func FormatHiveFull(nano int64) string {
	return formatFixed(nano, NanoPrecision) + " HIVE"
}
