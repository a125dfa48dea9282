package money

// VAT rates are expressed as a percentage of the net amount (0-100). All
// derived values are rounded to whole minor units at every step; intermediate
// unrounded values never cross a function boundary.

// Tolerance is the maximum difference, in minor units, under which two
// amounts are considered reconciled. Fixed per currency granularity: one
// minor unit (0.01 in major units).
const Tolerance int64 = 1

// GrossFromNet returns the gross amount for a net amount at the given VAT rate.
func GrossFromNet(net Money, vatRatePct float64) Money {
	if vatRatePct <= 0 {
		return net
	}
	return Money{
		AmountMinor: roundMinor(float64(net.AmountMinor) * (1 + vatRatePct/100)),
		Currency:    net.Currency,
	}
}

// VATFromGross splits a gross amount into its VAT and net portions.
func VATFromGross(gross Money, vatRatePct float64) (vat, net Money) {
	vat = Zero(gross.Currency)
	if vatRatePct > 0 {
		vat.AmountMinor = roundMinor(float64(gross.AmountMinor) * vatRatePct / (100 + vatRatePct))
	}
	net = gross.MustSub(vat)
	return vat, net
}

// FeeMode selects how a gift's platform fee relates to the payer's transfer.
type FeeMode string

const (
	// FeeIncluded carves the fee out of the amount the payer transfers; the
	// displayed gift amount already covers the fee for accounting purposes.
	FeeIncluded FeeMode = "included"
	// FeeAddOn adds the gross fee on top of the intended gift amount.
	FeeAddOn FeeMode = "add_on"
)

// FeeConfig describes the platform fee applied to gift contributions.
type FeeConfig struct {
	Mode       FeeMode `json:"mode"`
	FixedMinor int64   `json:"fixed_minor"`
	Percent    float64 `json:"percent"` // 0-100
}

// GiftQuote is the full fee breakdown for an intended gift amount.
type GiftQuote struct {
	Gift       Money `json:"gift"`
	FeeBase    Money `json:"fee_base"`
	FeeVAT     Money `json:"fee_vat"`
	FeeTotal   Money `json:"fee_total"`
	PayerTotal Money `json:"payer_total"`
}

// QuoteGiftFee computes the platform fee for an intended gift amount and the
// total the payer must transfer under the configured fee mode.
func QuoteGiftFee(gift Money, fee FeeConfig, vatRatePct float64) GiftQuote {
	base := Money{
		AmountMinor: roundMinor(float64(fee.FixedMinor) + float64(gift.AmountMinor)*fee.Percent/100),
		Currency:    gift.Currency,
	}
	vat := Zero(gift.Currency)
	if vatRatePct > 0 {
		vat.AmountMinor = roundMinor(float64(base.AmountMinor) * vatRatePct / 100)
	}
	total := base.MustAdd(vat)

	payer := gift
	if fee.Mode == FeeAddOn {
		payer = gift.MustAdd(total)
	}

	return GiftQuote{
		Gift:       gift,
		FeeBase:    base,
		FeeVAT:     vat,
		FeeTotal:   total,
		PayerTotal: payer,
	}
}

// ReverseGiftNet reconstructs the intended gift amount from the total a payer
// actually transferred under the add_on fee mode, solving
//
//	paid = g + (fixed + g*pct/100) * (1 + vat/100)
//
// for g. Callers reporting only the paid total rely on this to recover the
// net contribution for ledgering.
func ReverseGiftNet(paid Money, fee FeeConfig, vatRatePct float64) Money {
	vatFactor := 1 + vatRatePct/100
	denom := 1 + (fee.Percent/100)*vatFactor
	g := (float64(paid.AmountMinor) - float64(fee.FixedMinor)*vatFactor) / denom
	return Money{AmountMinor: roundMinor(g), Currency: paid.Currency}
}

// WithinTolerance reports whether two amounts of the same currency differ by
// at most tolMinor minor units. Different currencies never reconcile.
func WithinTolerance(a, b Money, tolMinor int64) bool {
	if a.Currency != b.Currency {
		return false
	}
	d := a.AmountMinor - b.AmountMinor
	if d < 0 {
		d = -d
	}
	return d <= tolMinor
}
