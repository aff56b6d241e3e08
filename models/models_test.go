package models

import (
	"testing"
	"time"
)

func TestPriorityStringRoundTrip(t *testing.T) {
	for _, p := range DefaultPrioritySet() {
		got, err := ParsePriority(p.String())
		if err != nil {
			t.Fatalf("parse %q: %v", p.String(), err)
		}
		if got != p {
			t.Fatalf("round trip %v -> %v", p, got)
		}
	}
	if _, err := ParsePriority("critical"); err == nil {
		t.Fatal("unknown priority string must fail")
	}
	if Priority(33).String() != "unknown" {
		t.Fatal("out-of-set priority renders unknown")
	}
}

func TestBand(t *testing.T) {
	cases := []struct {
		eff  int
		want string
	}{
		{5, "low"}, {10, "low"}, {24, "low"},
		{25, "medium"}, {49, "medium"},
		{50, "high"}, {74, "high"},
		{75, "urgent"}, {100, "urgent"},
	}
	for _, tc := range cases {
		if got := Band(tc.eff); got != tc.want {
			t.Fatalf("Band(%d) = %q want %q", tc.eff, got, tc.want)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	if StatePending.Terminal() || StateLeased.Terminal() {
		t.Fatal("non-terminal states")
	}
	if !StateCompleted.Terminal() || !StateFailed.Terminal() {
		t.Fatal("terminal states")
	}
	if State("bogus").Valid() {
		t.Fatal("bogus state must not validate")
	}
}

func TestItemCloneIsDeep(t *testing.T) {
	it := &Item{
		ID:           "a",
		BasePriority: PriorityHigh,
		Payload: Payload{
			Symptoms: []string{"fever", "cough"},
			Tags:     map[string]string{"source": "kiosk"},
		},
		State:   StateLeased,
		Lease:   &Lease{ID: "l1", WorkerID: "w", LeasedAt: time.Unix(1, 0), ExpiresAt: time.Unix(2, 0)},
		History: []HistoryEntry{{Event: "admitted"}},
	}
	cp := it.Clone()
	cp.Payload.Symptoms[0] = "changed"
	cp.Payload.Tags["source"] = "changed"
	cp.Lease.ID = "changed"
	cp.History[0].Event = "changed"

	if it.Payload.Symptoms[0] != "fever" || it.Payload.Tags["source"] != "kiosk" {
		t.Fatal("payload not deep copied")
	}
	if it.Lease.ID != "l1" || it.History[0].Event != "admitted" {
		t.Fatal("lease/history not deep copied")
	}
	if (*Item)(nil).Clone() != nil {
		t.Fatal("nil clone")
	}
}
