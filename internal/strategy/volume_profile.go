package strategy

import (
	"sort"
	"strings"
	"sync"
	"time"

	"execution-core/internal/apperr"
	"execution-core/pkg/config"
)

// DefaultProfileKey is the curve used for symbols without their own.
const DefaultProfileKey = "*"

// ProfilePoint is one bucket of an intraday volume curve: Weight of the
// day's volume trades around Offset from the start of execution.
type ProfilePoint struct {
	Offset time.Duration `json:"offset"`
	Weight float64       `json:"weight"`
}

// VolumeProfiles holds historical volume curves per symbol. Curves are
// supplied by configuration or a market-data job; none are synthesized.
type VolumeProfiles struct {
	mu     sync.RWMutex
	curves map[string][]ProfilePoint
}

// NewVolumeProfiles seeds the store from catalog curves.
func NewVolumeProfiles(src map[string][]config.ProfilePoint) *VolumeProfiles {
	v := &VolumeProfiles{curves: make(map[string][]ProfilePoint, len(src))}
	for sym, pts := range src {
		curve := make([]ProfilePoint, 0, len(pts))
		for _, p := range pts {
			curve = append(curve, ProfilePoint{Offset: p.Offset, Weight: p.Weight})
		}
		_ = v.Set(sym, curve)
	}
	return v
}

// Set replaces a symbol's curve.
func (v *VolumeProfiles) Set(symbol string, curve []ProfilePoint) error {
	var total float64
	for _, p := range curve {
		if p.Weight < 0 || p.Offset < 0 {
			return apperr.Validation("strategy.VolumeProfiles", "invalid_volume_profile")
		}
		total += p.Weight
	}
	if len(curve) > 0 && total <= 0 {
		return apperr.Validation("strategy.VolumeProfiles", "invalid_volume_profile")
	}
	cp := append([]ProfilePoint(nil), curve...)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Offset < cp[j].Offset })

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(cp) == 0 {
		delete(v.curves, key(symbol))
		return nil
	}
	v.curves[key(symbol)] = cp
	return nil
}

// Get returns the curve for symbol, else the default curve, else nil.
func (v *VolumeProfiles) Get(symbol string) []ProfilePoint {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if c, ok := v.curves[key(symbol)]; ok {
		return append([]ProfilePoint(nil), c...)
	}
	if c, ok := v.curves[DefaultProfileKey]; ok {
		return append([]ProfilePoint(nil), c...)
	}
	return nil
}

func key(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
