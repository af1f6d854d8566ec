package gateway

import (
	"fmt"
	"strings"
	"time"

	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/exchanges/alpaca"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/mt5"
	"execution-core/pkg/exchanges/paper"
	"execution-core/pkg/exchanges/zerodha"
)

// Factory creates Gateway instances from catalog entries.
type Factory struct {
	Keys *crypto.Keyring
	// DryRun swaps every live adapter for a paper broker with the same id.
	DryRun bool
}

// Build creates the gateway for one broker entry.
func (f Factory) Build(bc config.BrokerConfig) (exchange.Gateway, error) {
	kind := strings.ToLower(bc.Kind)
	if f.DryRun && kind != "paper" {
		kind = "paper"
	}

	switch kind {
	case "paper":
		return buildPaper(bc), nil

	case "mt5":
		key, err := f.reveal(bc.ID, bc.APIKey)
		if err != nil {
			return nil, err
		}
		return mt5.New(mt5.Config{
			BaseURL:   bc.BaseURL,
			APIKey:    key,
			AccountID: bc.Account,
			Currency:  bc.Currency,
			RPS:       bc.RPS,
			Burst:     bc.Burst,
		}), nil

	case "alpaca":
		key, err := f.reveal(bc.ID, bc.APIKey)
		if err != nil {
			return nil, err
		}
		secret, err := f.reveal(bc.ID, bc.APISecret)
		if err != nil {
			return nil, err
		}
		return alpaca.New(alpaca.Config{
			APIKey:    key,
			APISecret: secret,
			BaseURL:   bc.BaseURL,
			DataURL:   bc.DataURL,
			AccountID: bc.Account,
		}), nil

	case "zerodha":
		key, err := f.reveal(bc.ID, bc.APIKey)
		if err != nil {
			return nil, err
		}
		token, err := f.reveal(bc.ID, bc.AccessToken)
		if err != nil {
			return nil, err
		}
		return zerodha.New(zerodha.Params{
			APIKey:      key,
			AccessToken: token,
			Exchange:    bc.Exchange,
			Product:     bc.Product,
			AccountID:   bc.Account,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported broker kind: %s", bc.Kind)
	}
}

func (f Factory) reveal(brokerID, value string) (string, error) {
	if !crypto.IsSealed(value) {
		return value, nil
	}
	if f.Keys == nil {
		return "", fmt.Errorf("broker %s: sealed credential but no keyring", brokerID)
	}
	plain, err := f.Keys.Reveal(brokerID, value)
	if err != nil {
		return "", fmt.Errorf("broker %s: %w", brokerID, err)
	}
	return plain, nil
}

func buildPaper(bc config.BrokerConfig) *paper.Broker {
	opts := []paper.Option{paper.WithSlippageBps(bc.Paper.SlippageBps)}
	if strings.EqualFold(bc.Paper.FillMode, "resting") {
		opts = append(opts, paper.WithFillMode(paper.FillResting))
	}
	if bc.Paper.LatencyMs > 0 {
		opts = append(opts, paper.WithLatency(time.Duration(bc.Paper.LatencyMs)*time.Millisecond))
	}
	if bc.Currency != "" {
		opts = append(opts, paper.WithCurrency(bc.Currency))
	}
	b := paper.New(bc.ID, opts...)
	for sym, q := range bc.Paper.Quotes {
		b.SetQuote(sym, q.Bid, q.Ask, q.BidSize, q.AskSize)
	}
	for _, p := range bc.Paper.Positions {
		side := exchange.PositionLong
		qty := p.Qty
		if qty < 0 {
			side = exchange.PositionShort
			qty = -qty
		}
		account := p.Account
		if account == "" {
			account = bc.Account
		}
		b.SetPosition(exchange.Position{
			AccountID: account,
			Symbol:    p.Symbol,
			Side:      side,
			Qty:       qty,
			AvgPrice:  p.AvgPrice,
			Currency:  bc.Currency,
		})
	}
	return b
}

// Load builds and registers every enabled broker, wrapping each one with
// tracing and logging.
func (m *Manager) Load(f Factory, brokers []config.BrokerConfig) error {
	for _, bc := range brokers {
		if bc.Disabled {
			continue
		}
		gw, err := f.Build(bc)
		if err != nil {
			return fmt.Errorf("build broker %s: %w", bc.ID, err)
		}
		if err := m.Register(bc.ID, strings.ToLower(bc.Kind), Wrap(bc.ID, gw, m.log)); err != nil {
			return err
		}
		if v, ok := gw.(VWAPSource); ok {
			m.setVWAP(bc.ID, v)
		}
	}
	return nil
}
