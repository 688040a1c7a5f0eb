package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/resortops/passkeeper/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

var (
	ErrUnknownField    = errors.New("unknown field")
	ErrUnknownOperator = errors.New("unknown operator")
	ErrBadValue        = errors.New("bad filter value")
)

type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpContains Op = "contains"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpBetween  Op = "between"
	OpEmpty    Op = "empty"
	OpNotEmpty Op = "not_empty"
)

type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Filter compares one event field. Value is the operand of the binary
// operators; between takes Values[0] and Values[1]; empty and not_empty take
// nothing. Fields are the event's JSON names.
type Filter struct {
	Field  string `json:"field"`
	Op     Op     `json:"op"`
	Value  any    `json:"value,omitempty"`
	Values []any  `json:"values,omitempty"`
}

type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// Query selects events. DeviceSerial, when set, is ANDed with the filter
// group, whatever its Logic.
type Query struct {
	DeviceSerial string   `json:"deviceSerial,omitempty"`
	Filters      []Filter `json:"filters,omitempty"`
	Logic        Logic    `json:"logic,omitempty"`
	Sort         []Sort   `json:"sort,omitempty"`
	Page         int      `json:"page,omitempty"`
	PageSize     int      `json:"pageSize,omitempty"`
}

type Page struct {
	Events   []models.DeviceHistoryEvent `json:"events"`
	Total    int                         `json:"total"`
	Page     int                         `json:"page"`
	PageSize int                         `json:"pageSize"`
}

type fieldKind int

const (
	kindText fieldKind = iota
	kindTime
)

type field struct {
	column string
	kind   fieldKind
	value  func(ev *models.DeviceHistoryEvent) any
}

var fields = map[string]field{
	"id":               {"id::text", kindText, func(ev *models.DeviceHistoryEvent) any { return ev.ID.String() }},
	"deviceSerial":     {"device_serial", kindText, func(ev *models.DeviceHistoryEvent) any { return ev.DeviceSerial }},
	"eventType":        {"event_type", kindText, func(ev *models.DeviceHistoryEvent) any { return string(ev.EventType) }},
	"eventTimestamp":   {"event_timestamp", kindTime, func(ev *models.DeviceHistoryEvent) any { return ev.EventTimestamp }},
	"locationType":     {"location_type", kindText, func(ev *models.DeviceHistoryEvent) any { return string(ev.LocationType) }},
	"locationId":       {"location_id", kindText, func(ev *models.DeviceHistoryEvent) any { return ev.LocationID }},
	"locationName":     {"location_name", kindText, func(ev *models.DeviceHistoryEvent) any { return ev.LocationName }},
	"statusBefore":     {"status_before", kindText, func(ev *models.DeviceHistoryEvent) any { return ev.StatusBefore }},
	"statusAfter":      {"status_after", kindText, func(ev *models.DeviceHistoryEvent) any { return ev.StatusAfter }},
	"details.category": {"details->>'category'", kindText, func(ev *models.DeviceHistoryEvent) any { return string(ev.Details.Category()) }},
	"initiatedBy":      {"initiated_by", kindText, func(ev *models.DeviceHistoryEvent) any { return string(ev.InitiatedBy) }},
	"initiatorId":      {"initiator_id", kindText, func(ev *models.DeviceHistoryEvent) any { return ev.InitiatorID }},
	"processingStatus": {"processing_status", kindText, func(ev *models.DeviceHistoryEvent) any { return string(ev.ProcessingStatus) }},
	"createdAt":        {"created_at", kindTime, func(ev *models.DeviceHistoryEvent) any { return ev.CreatedAt }},
}

func lookupField(name string) (field, error) {
	f, ok := fields[name]
	if !ok {
		return field{}, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return f, nil
}

var defaultSort = []Sort{{Field: "eventTimestamp", Desc: true}, {Field: "createdAt", Desc: true}}

// Normalize validates q and returns a copy with defaults applied and operand
// values converted to the field types.
func (q Query) Normalize() (Query, error) {
	out := q
	switch out.Logic {
	case "":
		out.Logic = LogicAnd
	case LogicAnd, LogicOr:
	default:
		return Query{}, fmt.Errorf("%w: unknown logic %q", ErrBadValue, q.Logic)
	}

	out.Filters = make([]Filter, 0, len(q.Filters))
	for _, f := range q.Filters {
		nf, err := normalizeFilter(f)
		if err != nil {
			return Query{}, err
		}
		out.Filters = append(out.Filters, nf)
	}

	if len(q.Sort) == 0 {
		out.Sort = defaultSort
	} else {
		out.Sort = make([]Sort, 0, len(q.Sort)+1)
		hasCreated := false
		for _, s := range q.Sort {
			if _, err := lookupField(s.Field); err != nil {
				return Query{}, fmt.Errorf("sort: %w", err)
			}
			hasCreated = hasCreated || s.Field == "createdAt"
			out.Sort = append(out.Sort, s)
		}
		if !hasCreated {
			out.Sort = append(out.Sort, Sort{Field: "createdAt", Desc: true})
		}
	}

	if out.Page < 1 {
		out.Page = 1
	}
	if out.PageSize <= 0 {
		out.PageSize = DefaultPageSize
	}
	if out.PageSize > MaxPageSize {
		out.PageSize = MaxPageSize
	}
	// The row offset must fit in an int.
	if out.Page > math.MaxInt/out.PageSize {
		return Query{}, fmt.Errorf("%w: page %d out of range", ErrBadValue, q.Page)
	}
	return out, nil
}

func (q Query) offset() int {
	return (q.Page - 1) * q.PageSize
}

func normalizeFilter(f Filter) (Filter, error) {
	fd, err := lookupField(f.Field)
	if err != nil {
		return Filter{}, err
	}
	switch f.Op {
	case OpEmpty, OpNotEmpty:
		return Filter{Field: f.Field, Op: f.Op}, nil
	case OpContains:
		if fd.kind != kindText {
			return Filter{}, fmt.Errorf("%w: contains needs a text field, got %s", ErrBadValue, f.Field)
		}
		s, ok := f.Value.(string)
		if !ok {
			return Filter{}, fmt.Errorf("%w: contains on %s needs a string", ErrBadValue, f.Field)
		}
		return Filter{Field: f.Field, Op: f.Op, Value: s}, nil
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		v, err := operand(fd, f.Field, f.Value)
		if err != nil {
			return Filter{}, err
		}
		return Filter{Field: f.Field, Op: f.Op, Value: v}, nil
	case OpBetween:
		if len(f.Values) != 2 {
			return Filter{}, fmt.Errorf("%w: between on %s needs two values", ErrBadValue, f.Field)
		}
		lo, err := operand(fd, f.Field, f.Values[0])
		if err != nil {
			return Filter{}, err
		}
		hi, err := operand(fd, f.Field, f.Values[1])
		if err != nil {
			return Filter{}, err
		}
		return Filter{Field: f.Field, Op: f.Op, Values: []any{lo, hi}}, nil
	}
	return Filter{}, fmt.Errorf("%w: %q", ErrUnknownOperator, f.Op)
}

func operand(fd field, name string, v any) (any, error) {
	if fd.kind == kindTime {
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrBadValue, name, err)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("%w: %s needs an RFC 3339 time", ErrBadValue, name)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case nil:
		return nil, fmt.Errorf("%w: %s needs a value", ErrBadValue, name)
	}
	return fmt.Sprint(v), nil
}
