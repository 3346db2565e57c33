package entitlement

import (
	"fmt"
	"math"
	"strings"
)

const minorPerMajor = 100

// Rate converts between currency minor units (cents) and credits. All
// arithmetic is integral.
type Rate struct {
	CreditsPerUnit int64 // credits per one major currency unit
	Currency       string
}

// NewRate validates a deployment rate.
func NewRate(creditsPerUnit int64, currency string) (Rate, error) {
	if creditsPerUnit <= 0 {
		return Rate{}, fmt.Errorf("%w: credits per unit must be positive", ErrValidation)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	return Rate{CreditsPerUnit: creditsPerUnit, Currency: currency}, nil
}

// CreditsFromMinor converts a currency amount to credits, rounding down so
// no fractional credit is ever granted.
func (r Rate) CreditsFromMinor(minor int64) (int64, error) {
	if minor < 0 {
		return 0, fmt.Errorf("%w: amount must not be negative", ErrValidation)
	}
	if minor > math.MaxInt64/r.CreditsPerUnit {
		return 0, fmt.Errorf("%w: amount too large", ErrValidation)
	}
	return minor * r.CreditsPerUnit / minorPerMajor, nil
}

// MinorFromCredits converts credits to currency minor units, rounding half
// up to the cent.
func (r Rate) MinorFromCredits(credits int64) (int64, error) {
	if credits < 0 {
		return 0, fmt.Errorf("%w: credits must not be negative", ErrValidation)
	}
	if credits > math.MaxInt64/(2*minorPerMajor) {
		return 0, fmt.Errorf("%w: credits too large", ErrValidation)
	}
	return (2*credits*minorPerMajor + r.CreditsPerUnit) / (2 * r.CreditsPerUnit), nil
}

// FormatCredits renders the currency value of credits with two decimals.
func (r Rate) FormatCredits(credits int64) string {
	minor, err := r.MinorFromCredits(credits)
	if err != nil {
		return ""
	}
	return FormatMinor(minor)
}

// FormatMinor renders minor units as a decimal with two places.
func FormatMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/minorPerMajor, minor%minorPerMajor)
}
