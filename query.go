package triage

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/webqx/triage-engine/models"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
	cursorVersion     = "v1"
)

// QueryFilter selects items by lifecycle state, clinical class, or the
// payload fields exposed as filter keys. Zero fields match everything.
type QueryFilter struct {
	State           *models.State
	BasePriority    *models.Priority
	ClinicianID     string
	Language        string
	CulturalContext string
	Department      string
}

// QueryPage is one page of a priority-ordered view. NextCursor is empty on
// the final page; otherwise passing it back resumes the listing.
type QueryPage struct {
	Items      []*models.Item `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (f QueryFilter) matches(it *models.Item) bool {
	if f.State != nil && it.State != *f.State {
		return false
	}
	if f.BasePriority != nil && it.BasePriority != *f.BasePriority {
		return false
	}
	if f.ClinicianID != "" && it.Payload.ClinicianID != f.ClinicianID {
		return false
	}
	if f.Language != "" && it.Payload.Language != f.Language {
		return false
	}
	if f.CulturalContext != "" && it.Payload.CulturalContext != f.CulturalContext {
		return false
	}
	if f.Department != "" && it.Payload.Department != f.Department {
		return false
	}
	return true
}

func (f QueryFilter) hash() uint64 {
	h := fnv.New64a()
	write := func(s string) { _, _ = h.Write([]byte(s)); _, _ = h.Write([]byte{0}) }
	if f.State != nil {
		write(string(*f.State))
	}
	write("|")
	if f.BasePriority != nil {
		write(f.BasePriority.String())
	}
	write(f.ClinicianID)
	write(f.Language)
	write(f.CulturalContext)
	write(f.Department)
	return h.Sum64()
}

func encodeCursor(offset int, filterHash uint64) string {
	return fmt.Sprintf("%s:%d:%x", cursorVersion, offset, filterHash)
}

func decodeCursor(cursor string, filterHash uint64) (int, error) {
	parts := strings.Split(cursor, ":")
	if len(parts) != 3 || parts[0] != cursorVersion {
		return 0, kindErr(KindInvalidArgument, "malformed cursor %q", cursor)
	}
	offset, err := strconv.Atoi(parts[1])
	if err != nil || offset < 0 {
		return 0, kindErr(KindInvalidArgument, "malformed cursor %q", cursor)
	}
	hash, err := strconv.ParseUint(parts[2], 16, 64)
	if err != nil || hash != filterHash {
		return 0, kindErr(KindInvalidArgument, "cursor does not match filter")
	}
	return offset, nil
}

// stateRank groups results: pending first, then leased, then terminal.
func stateRank(s models.State) int {
	switch s {
	case models.StatePending:
		return 0
	case models.StateLeased:
		return 1
	}
	return 2
}

// Query returns a filtered, paginated, priority-ordered view across all
// lifecycle states. Pending items order by current effective priority
// (admission sequence breaking ties), leased items by lease start, terminal
// items by terminal time descending. Queries never mutate state.
func (e *Engine) Query(filter QueryFilter, cursor string, limit int) (QueryPage, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	filterHash := filter.hash()
	offset := 0
	if cursor != "" {
		var err error
		offset, err = decodeCursor(cursor, filterHash)
		if err != nil {
			return QueryPage{}, err
		}
	}

	type ranked struct {
		item *models.Item
		eff  int
	}
	e.mu.Lock()
	now := e.clock.Now()
	matched := make([]ranked, 0, 32)
	e.items.Each(func(it *models.Item) bool {
		if filter.matches(it) {
			matched = append(matched, ranked{item: it.Clone(), eff: e.effectiveLocked(it, now)})
		}
		return true
	})
	e.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		ra, rb := stateRank(a.item.State), stateRank(b.item.State)
		if ra != rb {
			return ra < rb
		}
		switch ra {
		case 0: // pending: effective priority desc, sequence asc
			if a.eff != b.eff {
				return a.eff > b.eff
			}
			return a.item.Sequence < b.item.Sequence
		case 1: // leased: lease start asc
			if !a.item.Lease.LeasedAt.Equal(b.item.Lease.LeasedAt) {
				return a.item.Lease.LeasedAt.Before(b.item.Lease.LeasedAt)
			}
			return a.item.Sequence < b.item.Sequence
		default: // terminal: most recent first
			if !a.item.TerminalAt.Equal(b.item.TerminalAt) {
				return a.item.TerminalAt.After(b.item.TerminalAt)
			}
			return a.item.Sequence > b.item.Sequence
		}
	})

	if offset >= len(matched) {
		return QueryPage{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := QueryPage{Items: make([]*models.Item, 0, end-offset)}
	for _, r := range matched[offset:end] {
		page.Items = append(page.Items, r.item)
	}
	if end < len(matched) {
		page.NextCursor = encodeCursor(end, filterHash)
	}
	return page, nil
}
