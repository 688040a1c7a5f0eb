package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/resortops/passkeeper/internal/models"
)

const eventColumns = `id, device_serial, event_type, event_timestamp,
		location_type, location_id, location_name, status_before, status_after,
		details, initiated_by, initiator_id, processing_status, created_at`

// PostgresStore keeps events in device_history_events. It only ever inserts.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, ev *models.DeviceHistoryEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	query := `INSERT INTO device_history_events (` + eventColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.DeviceSerial, ev.EventType, ev.EventTimestamp,
		ev.LocationType, ev.LocationID, ev.LocationName, ev.StatusBefore, ev.StatusAfter,
		details, ev.InitiatedBy, ev.InitiatorID, ev.ProcessingStatus, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert device history event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, q Query) (Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return Page{}, err
	}
	where, args := buildWhere(q)

	var total int
	countQuery := `SELECT COUNT(*) FROM device_history_events` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count device history events: %w", err)
	}

	idx := len(args) + 1
	query := `SELECT ` + eventColumns + ` FROM device_history_events` + where +
		buildOrderBy(q.Sort) +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, q.PageSize, q.offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("query device history events: %w", err)
	}
	defer rows.Close()

	page := Page{Events: []models.DeviceHistoryEvent{}, Total: total, Page: q.Page, PageSize: q.PageSize}
	for rows.Next() {
		var ev models.DeviceHistoryEvent
		var details []byte
		err := rows.Scan(
			&ev.ID, &ev.DeviceSerial, &ev.EventType, &ev.EventTimestamp,
			&ev.LocationType, &ev.LocationID, &ev.LocationName, &ev.StatusBefore, &ev.StatusAfter,
			&details, &ev.InitiatedBy, &ev.InitiatorID, &ev.ProcessingStatus, &ev.CreatedAt,
		)
		if err != nil {
			return Page{}, fmt.Errorf("scan device history event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return Page{}, fmt.Errorf("decode details of event %s: %w", ev.ID, err)
			}
		}
		page.Events = append(page.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate device history events: %w", err)
	}
	return page, nil
}

// buildWhere renders a normalized query as a WHERE clause with $n placeholders.
func buildWhere(q Query) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	idx := 1

	if q.DeviceSerial != "" {
		clauses = append(clauses, fmt.Sprintf("device_serial=$%d", idx))
		args = append(args, q.DeviceSerial)
		idx++
	}

	var group []string
	for _, f := range q.Filters {
		fd := fields[f.Field]
		col := fd.column
		switch f.Op {
		case OpEmpty:
			if fd.kind == kindText {
				group = append(group, fmt.Sprintf("(%s IS NULL OR %s = '')", col, col))
			} else {
				group = append(group, col+" IS NULL")
			}
		case OpNotEmpty:
			if fd.kind == kindText {
				group = append(group, fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", col, col))
			} else {
				group = append(group, col+" IS NOT NULL")
			}
		case OpContains:
			group = append(group, fmt.Sprintf("%s ILIKE $%d", col, idx))
			args = append(args, "%"+escapeLike(f.Value.(string))+"%")
			idx++
		case OpBetween:
			group = append(group, fmt.Sprintf("%s BETWEEN $%d AND $%d", col, idx, idx+1))
			args = append(args, f.Values[0], f.Values[1])
			idx += 2
		default:
			group = append(group, fmt.Sprintf("%s %s $%d", col, sqlOps[f.Op], idx))
			args = append(args, f.Value)
			idx++
		}
	}
	if len(group) > 0 {
		sep := " AND "
		if q.Logic == LogicOr {
			sep = " OR "
		}
		clauses = append(clauses, "("+strings.Join(group, sep)+")")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

func buildOrderBy(order []Sort) string {
	parts := make([]string, 0, len(order))
	for _, s := range order {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, fields[s.Field].column+" "+dir)
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
