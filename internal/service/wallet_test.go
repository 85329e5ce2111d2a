package service

import "testing"

func TestPercentOf(t *testing.T) {
	cases := []struct {
		amount int64
		pct    int
		want   int64
	}{
		{1000, 20, 200},
		{30000, 50, 15000},
		{999, 15, 150}, // 149.85 rounds up
		{1, 50, 1},     // half rounds away from zero
		{1000, 0, 0},
		{0, 50, 0},
	}
	for _, c := range cases {
		if got := percentOf(c.amount, c.pct); got != c.want {
			t.Errorf("percentOf(%d, %d) = %d, want %d", c.amount, c.pct, got, c.want)
		}
	}
}

func TestLast4(t *testing.T) {
	if got := last4("123456789012"); got != "9012" {
		t.Errorf("last4 = %q, want 9012", got)
	}
	if got := last4("123"); got != "123" {
		t.Errorf("last4(short) = %q, want 123", got)
	}
}
