package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", Validation("submit", "quantity must be positive"), KindValidation},
		{"wrapped risk", fmt.Errorf("route: %w", RiskRejected("check", "order_qty_above_max")), KindRiskRejected},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindConnectivity},
		{"connectivity", Connectivity("submit", errors.New("dial tcp")), KindConnectivity},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestErrorFormattingAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Connectivity("broker.submit", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause")
	}
	if got := err.Error(); got != "broker.submit: connectivity: connection reset" {
		t.Fatalf("Error() = %q", got)
	}
	if got := Reason(RiskRejected("", "max_notional")); got != "max_notional" {
		t.Fatalf("Reason = %q", got)
	}
}
