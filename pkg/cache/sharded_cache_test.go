package cache

import (
	"testing"
	"time"

	exchange "execution-core/pkg/exchanges/common"
)

func TestQuoteCacheFreshness(t *testing.T) {
	c := NewQuoteCache()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set(exchange.Quote{BrokerID: "b", Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002})
	c.Set(exchange.Quote{BrokerID: "a", Symbol: "EURUSD", Bid: 1.1001, Ask: 1.1003})
	c.Set(exchange.Quote{BrokerID: "a", Symbol: "GBPUSD", Bid: 1.27, Ask: 1.2702})

	if _, ok := c.Fresh("a", "EURUSD", time.Second); !ok {
		t.Fatalf("expected fresh quote")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.Fresh("a", "EURUSD", time.Second); ok {
		t.Fatalf("expected stale quote to be rejected")
	}
	if _, age, ok := c.Get("a", "EURUSD"); !ok || age != 2*time.Second {
		t.Fatalf("Get age = %v ok=%v", age, ok)
	}

	quotes := c.Symbol("EURUSD")
	if len(quotes) != 2 || quotes[0].BrokerID != "a" || quotes[1].BrokerID != "b" {
		t.Fatalf("Symbol() = %+v", quotes)
	}

	if n := c.DeleteBroker("a"); n != 2 {
		t.Fatalf("DeleteBroker removed %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestQuoteCacheCleanup(t *testing.T) {
	c := NewQuoteCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set(exchange.Quote{BrokerID: "a", Symbol: "X"})
	now = now.Add(time.Minute)
	c.Set(exchange.Quote{BrokerID: "a", Symbol: "Y"})

	if removed := c.Cleanup(30 * time.Second); removed != 1 {
		t.Fatalf("Cleanup removed %d, want 1", removed)
	}
	if st := c.Stats(); st.TotalItems != 1 || st.OldestAge != 0 {
		t.Fatalf("Stats = %+v", st)
	}
}
