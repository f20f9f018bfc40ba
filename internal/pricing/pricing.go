package pricing

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/market/internal/models"
)

// MinorUnits is the number of decimal places an amount of currency may carry
const MinorUnits = 2

// IsWholeMinor reports whether amount fits in MinorUnits decimal places
func IsWholeMinor(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(MinorUnits))
}

// Tax returns the share of price withheld on a sale, rounded half away from
// zero to MinorUnits so that tax and earnings stay payable
func Tax(price, rate decimal.Decimal) decimal.Decimal {
	if price.IsNegative() || price.IsZero() {
		return decimal.Zero
	}
	return price.Mul(rate).Round(MinorUnits)
}

// SellerEarnings returns what the seller receives after tax
func SellerEarnings(price, rate decimal.Decimal) decimal.Decimal {
	return price.Sub(Tax(price, rate))
}

// Format renders an amount with thousands separators, e.g. "1,250.50 coins".
// Whole amounts drop the fraction.
func Format(amount decimal.Decimal, currency string) string {
	amount = amount.Round(2)
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}
	whole := amount.Truncate(0)
	s := sign + humanize.Comma(whole.IntPart())
	if frac := amount.Sub(whole); !frac.IsZero() {
		s += strings.TrimPrefix(frac.StringFixed(2), "0")
	}
	if currency == "" {
		return s
	}
	return s + " " + currency
}

// Tiers are the minimum prices applied by TierPricer
type Tiers struct {
	Base          decimal.Decimal    `yaml:"base"`
	PerfectIVs    [6]decimal.Decimal `yaml:"perfect_ivs"` // index 0 is one perfect IV
	HiddenAbility decimal.Decimal    `yaml:"hidden_ability"`
	Shiny         decimal.Decimal    `yaml:"shiny"`
	Legendary     decimal.Decimal    `yaml:"legendary"`
	Mythical      decimal.Decimal    `yaml:"mythical"`
	UltraBeast    decimal.Decimal    `yaml:"ultra_beast"`
}

// DefaultTiers returns the stock minimum price table
func DefaultTiers() Tiers {
	return Tiers{
		Base: decimal.NewFromInt(100),
		PerfectIVs: [6]decimal.Decimal{
			decimal.NewFromInt(1000),
			decimal.NewFromInt(2000),
			decimal.NewFromInt(4000),
			decimal.NewFromInt(8000),
			decimal.NewFromInt(15000),
			decimal.NewFromInt(30000),
		},
		HiddenAbility: decimal.NewFromInt(5000),
		Shiny:         decimal.NewFromInt(10000),
		Legendary:     decimal.NewFromInt(25000),
		Mythical:      decimal.NewFromInt(50000),
		UltraBeast:    decimal.NewFromInt(20000),
	}
}

// TierPricer derives a listing's minimum price from its attributes. The
// result is the highest tier the entity qualifies for, never below Base.
type TierPricer struct {
	Tiers Tiers
}

// NewTierPricer creates a pricer over the given tiers
func NewTierPricer(t Tiers) *TierPricer {
	return &TierPricer{Tiers: t}
}

// MinimumPrice implements market.Pricer
func (p *TierPricer) MinimumPrice(a models.Attributes) decimal.Decimal {
	t := p.Tiers
	floor := t.Base
	if n := a.PerfectIVs; n >= 1 && n <= 6 {
		floor = decimal.Max(floor, t.PerfectIVs[n-1])
	}
	if a.HiddenAbility {
		floor = decimal.Max(floor, t.HiddenAbility)
	}
	if a.Shiny {
		floor = decimal.Max(floor, t.Shiny)
	}
	switch {
	case a.Legendary:
		floor = decimal.Max(floor, t.Legendary)
	case a.Mythical:
		floor = decimal.Max(floor, t.Mythical)
	case a.UltraBeast:
		floor = decimal.Max(floor, t.UltraBeast)
	}
	return floor
}
