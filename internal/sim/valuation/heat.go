package valuation

// Heat scores how mutually beneficial a trade is at a given price. Each
// party's per-unit gain is measured against its own shadow price: a buyer
// gains shadow-price, a seller gains price-shadow. The combined gain is
// scaled by quantity. Hot means both sides gain by their own valuation.
//
// Heat is advisory: it never blocks a trade or a negotiation transition, but
// it is recorded on both ledgers and scripted agents consult it.
func Heat(buyerShadow, sellerShadow, price, qty float64) (heat float64, hot bool) {
	buyerGain := buyerShadow - price
	sellerGain := price - sellerShadow
	return Round2((buyerGain + sellerGain) * qty), buyerGain > 0 && sellerGain > 0
}
