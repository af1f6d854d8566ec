package reconciliation

import (
	"math"
	"sort"
)

// Consolidate groups holdings by canonical symbol. failed lists brokers whose
// fetch failed; it is copied into each position's MissingBrokers.
func Consolidate(holdings []Holding, failed []string) []Position {
	bySymbol := map[string][]Holding{}
	for _, h := range holdings {
		bySymbol[h.Symbol] = append(bySymbol[h.Symbol], h)
	}

	out := make([]Position, 0, len(bySymbol))
	for symbol, hs := range bySymbol {
		sort.Slice(hs, func(i, j int) bool {
			if hs[i].Broker != hs[j].Broker {
				return hs[i].Broker < hs[j].Broker
			}
			return hs[i].Account < hs[j].Account
		})
		p := Position{
			Symbol:        symbol,
			Holdings:      hs,
			Contributions: make(map[string]float64, len(hs)),
		}
		var cost float64
		for _, h := range hs {
			q := math.Abs(h.Qty)
			p.NetQty += h.Qty
			p.GrossQty += q
			cost += h.AvgPrice * q
			p.MarketValue += h.MarketValue
			p.UnrealizedPnL += h.UnrealizedPnL
			p.Margin += h.Margin
		}
		if p.GrossQty > 0 {
			p.AvgPrice = cost / p.GrossQty
			for _, h := range hs {
				p.Contributions[h.Broker] += math.Abs(h.Qty) / p.GrossQty * 100
			}
		}
		switch {
		case p.NetQty > 0:
			p.NetSide = "long"
		case p.NetQty < 0:
			p.NetSide = "short"
		default:
			p.NetSide = "flat"
		}
		if len(failed) > 0 {
			p.MissingBrokers = append([]string(nil), failed...)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
