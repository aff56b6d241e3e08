package aging

import (
	"testing"
	"time"
)

func defaultPolicy() Policy {
	return Policy{Step: 5 * time.Minute, Bump: 5, Ceiling: 75}
}

func TestEffectiveSchedule(t *testing.T) {
	pol := defaultPolicy()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		base    int
		elapsed time.Duration
		want    int
	}{
		{"no elapsed time", 10, 0, 10},
		{"under one step", 10, 4 * time.Minute, 10},
		{"exactly one step", 10, 5 * time.Minute, 15},
		{"four steps", 10, 20 * time.Minute, 30},
		{"low reaches high", 10, 40 * time.Minute, 50},
		{"low reaches ceiling", 10, 65 * time.Minute, 75},
		{"saturates at ceiling", 10, 10 * time.Hour, 75},
		{"urgent stays urgent", 75, time.Hour, 75},
		{"negative elapsed", 50, -time.Minute, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := pol.Effective(tc.base, t0, t0.Add(tc.elapsed))
			if got != tc.want {
				t.Fatalf("Effective(%d, +%s) = %d, want %d", tc.base, tc.elapsed, got, tc.want)
			}
		})
	}
}

func TestEffectiveMonotoneInNow(t *testing.T) {
	pol := defaultPolicy()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	prev := 0
	for m := 0; m <= 120; m++ {
		eff := pol.Effective(10, t0, t0.Add(time.Duration(m)*time.Minute))
		if eff < prev {
			t.Fatalf("effective priority decreased at minute %d: %d < %d", m, eff, prev)
		}
		prev = eff
	}
}

func TestZeroBumpDisablesAging(t *testing.T) {
	pol := Policy{Step: time.Minute, Bump: 0, Ceiling: 75}
	t0 := time.Now()
	if got := pol.Effective(25, t0, t0.Add(time.Hour)); got != 25 {
		t.Fatalf("bump=0 must keep base priority, got %d", got)
	}
}

func TestValidate(t *testing.T) {
	if err := defaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy must validate: %v", err)
	}
	if err := (Policy{Step: 0, Bump: 5, Ceiling: 75}).Validate(); err != ErrNonPositiveStep {
		t.Fatalf("zero step: %v", err)
	}
	if err := (Policy{Step: -time.Second, Bump: 5, Ceiling: 75}).Validate(); err != ErrNonPositiveStep {
		t.Fatalf("negative step: %v", err)
	}
	if err := (Policy{Step: time.Second, Bump: -1, Ceiling: 75}).Validate(); err != ErrNegativeBump {
		t.Fatalf("negative bump: %v", err)
	}
	if err := (Policy{Step: time.Second, Bump: 1, Ceiling: 0}).Validate(); err != ErrInvalidCeiling {
		t.Fatalf("zero ceiling: %v", err)
	}
}

func TestTimeToCeiling(t *testing.T) {
	pol := defaultPolicy()
	if got := pol.TimeToCeiling(10); got != 65*time.Minute {
		t.Fatalf("low to ceiling: %s", got)
	}
	if got := pol.TimeToCeiling(75); got != 0 {
		t.Fatalf("already at ceiling: %s", got)
	}
}
