package triage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webqx/triage-engine/models"
)

func admitWithPayload(t *testing.T, e *Engine, id string, p models.Priority, payload models.Payload) {
	t.Helper()
	_, err := e.Admit(context.Background(), models.ItemSpec{ID: id, Priority: p, Payload: payload})
	require.NoError(t, err)
}

func ids(page QueryPage) []string {
	out := make([]string, 0, len(page.Items))
	for _, it := range page.Items {
		out = append(out, it.ID)
	}
	return out
}

func TestQueryPendingOrderedByEffectivePriority(t *testing.T) {
	e, fc := newTestEngine(t, nil)
	admit(t, e, "low-old", models.PriorityLow)
	fc.Advance(25 * time.Minute)
	admit(t, e, "medium-new", models.PriorityMedium)
	admit(t, e, "urgent", models.PriorityUrgent)

	page, err := e.Query(QueryFilter{}, "", 0)
	require.NoError(t, err)
	// low-old has aged to 10+5*5=35, beating the fresh medium's 25.
	assert.Equal(t, []string{"urgent", "low-old", "medium-new"}, ids(page))
	assert.Empty(t, page.NextCursor)
}

func TestQueryGroupsStates(t *testing.T) {
	e, fc := newTestEngine(t, nil)
	admit(t, e, "p1", models.PriorityMedium)
	admit(t, e, "l1", models.PriorityUrgent)
	admit(t, e, "done1", models.PriorityUrgent)
	admit(t, e, "done2", models.PriorityUrgent)

	g := mustLease(t, e, "w", time.Minute) // done1 or l1: urgent, lowest sequence -> l1
	require.Equal(t, "l1", g.Item.ID)
	g2 := mustLease(t, e, "w", time.Minute)
	require.Equal(t, "done1", g2.Item.ID)
	require.NoError(t, e.Ack(context.Background(), g2.LeaseID, ""))
	fc.Advance(time.Second)
	g3 := mustLease(t, e, "w", time.Minute)
	require.Equal(t, "done2", g3.Item.ID)
	require.NoError(t, e.Nack(context.Background(), g3.LeaseID, NackOptions{Requeue: false}))

	page, err := e.Query(QueryFilter{}, "", 0)
	require.NoError(t, err)
	// Pending first, then leased, then terminal newest-first.
	assert.Equal(t, []string{"p1", "l1", "done2", "done1"}, ids(page))
}

func TestQueryFilters(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	admitWithPayload(t, e, "a", models.PriorityHigh, models.Payload{Language: "es", Department: "cardiology", ClinicianID: "dr-1"})
	admitWithPayload(t, e, "b", models.PriorityLow, models.Payload{Language: "en", Department: "cardiology"})
	admitWithPayload(t, e, "c", models.PriorityHigh, models.Payload{Language: "es", CulturalContext: "latam"})

	page, err := e.Query(QueryFilter{Language: "es"}, "", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids(page))

	page, err = e.Query(QueryFilter{Department: "cardiology"}, "", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(page))

	page, err = e.Query(QueryFilter{CulturalContext: "latam"}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(page))

	page, err = e.Query(QueryFilter{ClinicianID: "dr-1"}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(page))

	hp := models.PriorityHigh
	page, err = e.Query(QueryFilter{BasePriority: &hp}, "", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids(page))

	pending := models.StatePending
	page, err = e.Query(QueryFilter{State: &pending, Language: "en"}, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(page))
}

func TestQueryPagination(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	for i := 0; i < 7; i++ {
		admit(t, e, string(rune('a'+i)), models.PriorityMedium)
	}

	var all []string
	cursor := ""
	pages := 0
	for {
		page, err := e.Query(QueryFilter{}, cursor, 3)
		require.NoError(t, err)
		all = append(all, ids(page)...)
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, all, "sequence order at equal priority")
}

func TestQueryCursorFilterMismatch(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	for i := 0; i < 4; i++ {
		admit(t, e, string(rune('a'+i)), models.PriorityMedium)
	}
	page, err := e.Query(QueryFilter{}, "", 2)
	require.NoError(t, err)
	require.NotEmpty(t, page.NextCursor)

	_, err = e.Query(QueryFilter{Language: "es"}, page.NextCursor, 2)
	assert.True(t, IsKind(err, KindInvalidArgument), "cursor from a different filter must be rejected")

	_, err = e.Query(QueryFilter{}, "garbage", 2)
	assert.True(t, IsKind(err, KindInvalidArgument))
}

func TestQueryDoesNotMutate(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	admit(t, e, "a", models.PriorityHigh)

	page, err := e.Query(QueryFilter{}, "", 0)
	require.NoError(t, err)
	page.Items[0].Payload.Language = "mutated"
	page.Items[0].History[0].Event = "mutated"

	it, err := e.Get("a")
	require.NoError(t, err)
	assert.Empty(t, it.Payload.Language, "query results are copies")
	assert.Equal(t, "admitted", it.History[0].Event)
}
