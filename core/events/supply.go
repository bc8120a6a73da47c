package events

import (
	"math/big"
	"strings"

	"stablecore/core/types"
)

const (
	// TypeTokenSupply is emitted after every mint or burn with the resulting
	// total supply.
	TypeTokenSupply = "token.supply"

	// SupplyReasonBuy identifies supply created by a buy settlement.
	SupplyReasonBuy = "buy"
	// SupplyReasonSell identifies supply destroyed by a sell settlement.
	SupplyReasonSell = "sell"
	// SupplyReasonLiquidity identifies supply minted to seed the stable pool.
	SupplyReasonLiquidity = "liquidity"
	// SupplyReasonBlacklist identifies supply destroyed from a banned account.
	SupplyReasonBlacklist = "blacklist"
)

// TokenSupply captures a supply delta for the stable token. Delta is signed:
// negative for burns.
type TokenSupply struct {
	Token  string
	Total  *big.Int
	Delta  *big.Int
	Reason string
}

func (TokenSupply) EventType() string { return TypeTokenSupply }

// Event renders the structured supply change event for downstream consumers.
func (e TokenSupply) Event() *types.Event {
	token := normalizeAsset(e.Token)
	if token == "" {
		token = "UNKNOWN"
	}
	attrs := map[string]string{
		"token": token,
		"total": amountString(e.Total),
	}
	if e.Delta != nil {
		attrs["delta"] = e.Delta.String()
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	return &types.Event{Type: TypeTokenSupply, Attributes: attrs}
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
