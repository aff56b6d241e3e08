package lease

import (
	"testing"
	"time"
)

func entryAt(leaseID, itemID string, expires time.Time) *Entry {
	return &Entry{LeaseID: leaseID, ItemID: itemID, WorkerID: "w", ExpiresAt: expires}
}

func TestNextExpiryTracksEarliest(t *testing.T) {
	tab := NewTable()
	base := time.Unix(1000, 0)
	tab.Add(entryAt("l1", "a", base.Add(30*time.Second)))
	tab.Add(entryAt("l2", "b", base.Add(10*time.Second)))
	tab.Add(entryAt("l3", "c", base.Add(20*time.Second)))

	next, ok := tab.NextExpiry()
	if !ok || !next.Equal(base.Add(10*time.Second)) {
		t.Fatalf("next expiry: %v %v", next, ok)
	}
}

func TestPopExpiredInDeadlineOrder(t *testing.T) {
	tab := NewTable()
	base := time.Unix(1000, 0)
	tab.Add(entryAt("l1", "a", base.Add(3*time.Second)))
	tab.Add(entryAt("l2", "b", base.Add(1*time.Second)))
	tab.Add(entryAt("l3", "c", base.Add(2*time.Second)))
	tab.Add(entryAt("l4", "d", base.Add(time.Minute)))

	expired := tab.PopExpired(base.Add(3 * time.Second))
	if len(expired) != 3 {
		t.Fatalf("expired count: %d", len(expired))
	}
	for i, want := range []string{"l2", "l3", "l1"} {
		if expired[i].LeaseID != want {
			t.Fatalf("expiry order[%d]: got %s want %s", i, expired[i].LeaseID, want)
		}
	}
	if tab.Len() != 1 {
		t.Fatalf("remaining leases: %d", tab.Len())
	}
	if _, ok := tab.Get("l4"); !ok {
		t.Fatal("unexpired lease must remain")
	}
}

func TestRemove(t *testing.T) {
	tab := NewTable()
	base := time.Unix(1000, 0)
	tab.Add(entryAt("l1", "a", base.Add(time.Second)))
	e, ok := tab.Remove("l1")
	if !ok || e.ItemID != "a" {
		t.Fatalf("remove: %+v %v", e, ok)
	}
	if _, ok := tab.Remove("l1"); ok {
		t.Fatal("double remove must miss")
	}
	if len(tab.PopExpired(base.Add(time.Hour))) != 0 {
		t.Fatal("removed lease must not expire")
	}
}

func TestExtendReorders(t *testing.T) {
	tab := NewTable()
	base := time.Unix(1000, 0)
	tab.Add(entryAt("l1", "a", base.Add(time.Second)))
	tab.Add(entryAt("l2", "b", base.Add(2*time.Second)))

	if !tab.Extend("l1", base.Add(time.Minute)) {
		t.Fatal("extend existing lease")
	}
	next, _ := tab.NextExpiry()
	if !next.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("extend must reorder heap, next=%v", next)
	}
	if tab.Extend("nope", base) {
		t.Fatal("extend unknown lease must fail")
	}
}
