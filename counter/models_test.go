package counter_test

import (
	"testing"

	"github.com/xraph/allowance/counter"
)

func TestRemaining(t *testing.T) {
	tests := []struct {
		limit, consumed, want int64
	}{
		{10, 0, 10},
		{10, 7, 3},
		{10, 10, 0},
		{10, 12, 0},
	}
	for _, tt := range tests {
		if got := counter.Remaining(tt.limit, tt.consumed); got != tt.want {
			t.Errorf("Remaining(%d, %d) = %d, want %d", tt.limit, tt.consumed, got, tt.want)
		}
	}
}

func TestKey(t *testing.T) {
	if got := counter.Key("u1", "2026-01-02"); got != "u1:2026-01-02" {
		t.Errorf("Key = %q", got)
	}
}
