package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/resortops/passkeeper/internal/tracker"
)

var ErrSessionNotFound = errors.New("session log not found")

// SessionLog is the persisted trace of one operator workflow.
type SessionLog struct {
	ID            uuid.UUID      `json:"id"`
	Workflow      string         `json:"workflow"`
	OrderID       int64          `json:"orderId"`
	Status        tracker.Status `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    time.Time      `json:"finishedAt"`
	TotalDuration time.Duration  `json:"totalDuration"`
	WallClock     time.Duration  `json:"wallClock"`
	Tasks         []tracker.Task `json:"tasks"`
}

// NewSessionLog flattens t into a log record finished at now.
func NewSessionLog(id uuid.UUID, workflow string, orderID int64, t *tracker.Tracker, now time.Time) *SessionLog {
	started := t.StartedAt()
	if started.IsZero() {
		started = now
	}
	return &SessionLog{
		ID:            id,
		Workflow:      workflow,
		OrderID:       orderID,
		Status:        t.Outcome(),
		StartedAt:     started,
		FinishedAt:    now,
		TotalDuration: t.TotalDuration(),
		WallClock:     t.WallClockDuration(),
		Tasks:         t.Snapshot(),
	}
}

type SessionLogRepository interface {
	Save(ctx context.Context, l *SessionLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*SessionLog, error)
}

type PostgresSessionLogRepository struct {
	db *sql.DB
}

func NewPostgresSessionLogRepository(db *sql.DB) *PostgresSessionLogRepository {
	return &PostgresSessionLogRepository{db: db}
}

func (r *PostgresSessionLogRepository) Save(ctx context.Context, l *SessionLog) error {
	tasks, err := json.Marshal(l.Tasks)
	if err != nil {
		return fmt.Errorf("marshal session tasks: %w", err)
	}
	query := `
		INSERT INTO session_logs (id, workflow, order_id, status, started_at, finished_at, total_duration, wall_clock, tasks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.ExecContext(ctx, query,
		l.ID, l.Workflow, l.OrderID, l.Status, l.StartedAt, l.FinishedAt,
		int64(l.TotalDuration), int64(l.WallClock), tasks)
	if err != nil {
		return fmt.Errorf("save session log: %w", err)
	}
	return nil
}

func (r *PostgresSessionLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*SessionLog, error) {
	query := `
		SELECT id, workflow, order_id, status, started_at, finished_at, total_duration, wall_clock, tasks
		FROM session_logs
		WHERE id = $1
	`
	l := &SessionLog{}
	var total, wall int64
	var tasks []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.Workflow, &l.OrderID, &l.Status, &l.StartedAt, &l.FinishedAt,
		&total, &wall, &tasks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session log: %w", err)
	}
	l.TotalDuration = time.Duration(total)
	l.WallClock = time.Duration(wall)
	if err := json.Unmarshal(tasks, &l.Tasks); err != nil {
		return nil, fmt.Errorf("decode session tasks: %w", err)
	}
	return l, nil
}
