package billing

import "strings"

// Doctor payout per billed unit, in minor currency units. Malawian
// doctors are paid in MWK, everyone else in USD.
var (
	mwkRates = map[UnitKind]int64{
		UnitText:  400000, // MWK 4000.00
		UnitVoice: 500000, // MWK 5000.00
		UnitVideo: 600000, // MWK 6000.00
	}
	usdRates = map[UnitKind]int64{
		UnitText:  400, // USD 4.00
		UnitVoice: 500, // USD 5.00
		UnitVideo: 600, // USD 6.00
	}
)

// Rate is a per-unit doctor payout.
type Rate struct {
	AmountMinor int64
	Currency    string
}

// RateFor resolves the payout rate for a session kind given the doctor's
// country. Unknown kinds fall back to the text rate.
func RateFor(kind UnitKind, doctorCountry string) Rate {
	if strings.EqualFold(doctorCountry, "malawi") {
		amt, ok := mwkRates[kind]
		if !ok {
			amt = mwkRates[UnitText]
		}
		return Rate{AmountMinor: amt, Currency: "MWK"}
	}
	amt, ok := usdRates[kind]
	if !ok {
		amt = usdRates[UnitText]
	}
	return Rate{AmountMinor: amt, Currency: "USD"}
}
