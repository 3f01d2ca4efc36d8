package payment

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Challenge is a parsed 402 response body. It is ephemeral: it lives only
// inside one request's payment exchange and is never cached directly.
type Challenge struct {
	Amount     string                     `json:"amount"`
	Asset      string                     `json:"asset"`
	Chain      string                     `json:"chain"`
	Recipient  string                     `json:"recipient"`
	Nonce      string                     `json:"nonce"`
	ValidUntil int64                      `json:"validUntil"`
	Extra      map[string]json.RawMessage `json:"extra,omitempty"`
}

// challengeWire tolerates numeric or string amounts and validUntil values.
type challengeWire struct {
	Amount     json.Number                `json:"amount"`
	Asset      string                     `json:"asset"`
	Chain      string                     `json:"chain"`
	Recipient  string                     `json:"recipient"`
	Nonce      string                     `json:"nonce"`
	ValidUntil json.Number                `json:"validUntil"`
	Extra      map[string]json.RawMessage `json:"extra"`
}

// ParseChallenge decodes and validates a 402 challenge body. Every field
// except extra is required; a challenge that is already expired is rejected
// here rather than after a wasted signature.
func ParseChallenge(body []byte, now time.Time) (Challenge, error) {
	var w challengeWire
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return Challenge{}, fmt.Errorf("payment: malformed challenge body: %w", err)
	}

	ch := Challenge{
		Amount:    strings.TrimSpace(w.Amount.String()),
		Asset:     strings.TrimSpace(w.Asset),
		Chain:     strings.TrimSpace(w.Chain),
		Recipient: strings.TrimSpace(w.Recipient),
		Nonce:     strings.TrimSpace(w.Nonce),
		Extra:     w.Extra,
	}

	switch {
	case ch.Amount == "" || ch.Amount == "<nil>":
		return Challenge{}, fmt.Errorf("payment: challenge missing amount")
	case ch.Asset == "":
		return Challenge{}, fmt.Errorf("payment: challenge missing asset")
	case ch.Chain == "":
		return Challenge{}, fmt.Errorf("payment: challenge missing chain")
	case ch.Recipient == "":
		return Challenge{}, fmt.Errorf("payment: challenge missing recipient")
	case ch.Nonce == "":
		return Challenge{}, fmt.Errorf("payment: challenge missing nonce")
	}

	if _, ok := ch.amountRat(); !ok {
		return Challenge{}, fmt.Errorf("payment: challenge amount %q is not numeric", ch.Amount)
	}

	vu, err := w.ValidUntil.Int64()
	if err != nil {
		return Challenge{}, fmt.Errorf("payment: challenge validUntil %q is not an integer", w.ValidUntil)
	}
	ch.ValidUntil = vu
	if !time.Unix(vu, 0).After(now) {
		return Challenge{}, fmt.Errorf("payment: challenge already expired at %d", vu)
	}
	return ch, nil
}

// amountRat parses the amount as an exact rational. Stablecoin amounts are
// decimal strings; float comparison would misrank close prices.
func (c Challenge) amountRat() (*big.Rat, bool) {
	r, ok := new(big.Rat).SetString(c.Amount)
	if !ok || r.Sign() < 0 {
		return nil, false
	}
	return r, true
}

// validUntilTime returns the expiry as a time.Time.
func (c Challenge) validUntilTime() time.Time {
	return time.Unix(c.ValidUntil, 0)
}
