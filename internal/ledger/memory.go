package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/resortops/passkeeper/internal/models"
)

// MemoryStore keeps events in process. It backs tests and local runs without
// a database.
type MemoryStore struct {
	mu     sync.RWMutex
	events []models.DeviceHistoryEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, ev *models.DeviceHistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) (Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return Page{}, err
	}

	s.mu.RLock()
	matched := make([]models.DeviceHistoryEvent, 0)
	for i := range s.events {
		ev := &s.events[i]
		if q.DeviceSerial != "" && ev.DeviceSerial != q.DeviceSerial {
			continue
		}
		if matchAll(ev, q) {
			matched = append(matched, *ev)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return less(&matched[i], &matched[j], q.Sort)
	})

	page := Page{Total: len(matched), Page: q.Page, PageSize: q.PageSize}
	start := q.offset()
	if start >= len(matched) {
		page.Events = []models.DeviceHistoryEvent{}
		return page, nil
	}
	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	page.Events = matched[start:end]
	return page, nil
}

func matchAll(ev *models.DeviceHistoryEvent, q Query) bool {
	if len(q.Filters) == 0 {
		return true
	}
	for _, f := range q.Filters {
		ok := matchFilter(ev, f)
		if q.Logic == LogicOr && ok {
			return true
		}
		if q.Logic == LogicAnd && !ok {
			return false
		}
	}
	return q.Logic == LogicAnd
}

func matchFilter(ev *models.DeviceHistoryEvent, f Filter) bool {
	fd := fields[f.Field]
	v := fd.value(ev)

	switch f.Op {
	case OpEmpty:
		return isEmpty(v)
	case OpNotEmpty:
		return !isEmpty(v)
	case OpContains:
		s, _ := v.(string)
		return strings.Contains(strings.ToLower(s), strings.ToLower(f.Value.(string)))
	case OpBetween:
		return compare(v, f.Values[0]) >= 0 && compare(v, f.Values[1]) <= 0
	}

	c := compare(v, f.Value)
	switch f.Op {
	case OpEq:
		return c == 0
	case OpNeq:
		return c != 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case time.Time:
		return t.IsZero()
	}
	return v == nil
}

func compare(a, b any) int {
	switch x := a.(type) {
	case time.Time:
		y, _ := b.(time.Time)
		return x.Compare(y)
	case string:
		y, _ := b.(string)
		return strings.Compare(x, y)
	}
	return 0
}

func less(a, b *models.DeviceHistoryEvent, order []Sort) bool {
	for _, s := range order {
		fd := fields[s.Field]
		c := compare(fd.value(a), fd.value(b))
		if c == 0 {
			continue
		}
		if s.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}
