package strategy

import (
	"sort"
	"sync"
	"time"
)

// SignalValue is one externally published signal reading.
type SignalValue struct {
	Name   string    `json:"name"`
	Symbol string    `json:"symbol"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
}

// SignalBoard stores the latest value of each (signal, symbol) pair. Signal
// generation happens elsewhere; this is only the hand-off point.
type SignalBoard struct {
	mu     sync.RWMutex
	maxAge time.Duration
	now    func() time.Time
	values map[string]SignalValue
}

// NewSignalBoard creates a board. Readings older than maxAge are ignored;
// zero keeps readings forever.
func NewSignalBoard(maxAge time.Duration) *SignalBoard {
	return &SignalBoard{
		maxAge: maxAge,
		now:    time.Now,
		values: make(map[string]SignalValue),
	}
}

func signalKey(name, symbol string) string {
	return name + "|" + key(symbol)
}

// Publish records a reading. A zero time means now.
func (b *SignalBoard) Publish(name, symbol string, value float64, at time.Time) {
	if at.IsZero() {
		at = b.now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[signalKey(name, symbol)] = SignalValue{Name: name, Symbol: key(symbol), Value: value, At: at}
}

// Value returns the fresh reading for (name, symbol), falling back to the
// symbol-independent reading published under "*".
func (b *SignalBoard) Value(name, symbol string) (SignalValue, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, k := range []string{signalKey(name, symbol), signalKey(name, DefaultProfileKey)} {
		v, ok := b.values[k]
		if !ok {
			continue
		}
		if b.maxAge > 0 && b.now().Sub(v.At) > b.maxAge {
			continue
		}
		return v, true
	}
	return SignalValue{}, false
}

// List returns every stored reading.
func (b *SignalBoard) List() []SignalValue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SignalValue, 0, len(b.values))
	for _, v := range b.values {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
