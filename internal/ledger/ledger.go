// Package ledger is the append-only device history. Events are inserted and
// queried; no store offers an update or delete path, and corrections are new
// events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/resortops/passkeeper/internal/logger"
	"github.com/resortops/passkeeper/internal/metrics"
	"github.com/resortops/passkeeper/internal/models"
)

var ErrInvalidEvent = errors.New("invalid device history event")

type Store interface {
	Insert(ctx context.Context, ev *models.DeviceHistoryEvent) error
	Query(ctx context.Context, q Query) (Page, error)
}

// Publisher receives every event after it has been handled by the store.
type Publisher interface {
	PublishEvent(ctx context.Context, ev models.DeviceHistoryEvent) error
}

type Option func(*Ledger)

func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.pub = p }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type Ledger struct {
	store Store
	pub   Publisher
	now   func() time.Time
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates and persists ev and returns it as stored.
func (l *Ledger) Append(ctx context.Context, ev models.DeviceHistoryEvent) (models.DeviceHistoryEvent, error) {
	ev = l.stamp(ev)
	if err := validate(&ev); err != nil {
		return ev, err
	}
	if err := l.store.Insert(ctx, &ev); err != nil {
		return ev, fmt.Errorf("append %s for %s: %w", ev.EventType, ev.DeviceSerial, err)
	}
	metrics.LedgerAppends.WithLabelValues(string(ev.ProcessingStatus)).Inc()
	l.publish(ctx, ev)
	return ev, nil
}

// Record is Append for callers whose own operation must not fail because of
// the history. A rejected or unwritten event comes back with processing
// status failed and the cause in metadata["writeError"], and one
// ledger_write_failed row naming it is attempted in its place.
func (l *Ledger) Record(ctx context.Context, ev models.DeviceHistoryEvent) models.DeviceHistoryEvent {
	stored, err := l.Append(ctx, ev)
	if err == nil {
		return stored
	}

	stored.ProcessingStatus = models.ProcessingFailed
	stored.Details.SetMeta("writeError", err.Error())
	metrics.LedgerAppends.WithLabelValues(string(models.ProcessingFailed)).Inc()
	logger.Error("device history write failed", err,
		"serial", stored.DeviceSerial, "eventType", stored.EventType, "eventId", stored.ID)
	l.recordWriteFailure(ctx, stored, err)
	l.publish(ctx, stored)
	return stored
}

// unknownSerial stands in for the device when the lost event had none.
const unknownSerial = "unknown"

// recordWriteFailure makes a single attempt to leave a durable trace of a
// lost event. Its own failure is only logged.
func (l *Ledger) recordWriteFailure(ctx context.Context, lost models.DeviceHistoryEvent, cause error) {
	serial := lost.DeviceSerial
	if serial == "" {
		serial = unknownSerial
	}
	trace := l.stamp(models.DeviceHistoryEvent{
		DeviceSerial:     serial,
		EventType:        models.EventLedgerWriteFailed,
		InitiatedBy:      lost.InitiatedBy,
		InitiatorID:      lost.InitiatorID,
		ProcessingStatus: models.ProcessingFailed,
		Details: models.EventDetails{Payload: &models.ErrorPayload{
			Source:    "ledger",
			Kind:      "write",
			Message:   cause.Error(),
			Retryable: !errors.Is(cause, ErrInvalidEvent),
		}},
	})
	trace.Details.SetMeta("originalType", string(lost.EventType))
	trace.Details.SetMeta("originalEventId", lost.ID.String())
	trace.Details.SetMeta("writeError", cause.Error())

	if err := l.store.Insert(ctx, &trace); err != nil {
		logger.Error("device history failure trace not written", err,
			"serial", serial, "originalType", lost.EventType)
		return
	}
	metrics.LedgerAppends.WithLabelValues(string(models.ProcessingFailed)).Inc()
}

func (l *Ledger) QueryBySerial(ctx context.Context, serial string, q Query) (Page, error) {
	if serial == "" {
		return Page{}, fmt.Errorf("%w: empty device serial", ErrInvalidEvent)
	}
	q.DeviceSerial = serial
	return l.store.Query(ctx, q)
}

func (l *Ledger) Query(ctx context.Context, q Query) (Page, error) {
	return l.store.Query(ctx, q)
}

func (l *Ledger) stamp(ev models.DeviceHistoryEvent) models.DeviceHistoryEvent {
	now := l.now().UTC()
	ev.ID = uuid.New()
	if ev.EventTimestamp.IsZero() {
		ev.EventTimestamp = now
	}
	ev.CreatedAt = now
	if ev.ProcessingStatus == "" {
		ev.ProcessingStatus = models.ProcessingProcessed
	}
	if ev.InitiatedBy == "" {
		ev.InitiatedBy = models.InitiatedBySystem
	}
	return ev
}

func validate(ev *models.DeviceHistoryEvent) error {
	if ev.DeviceSerial == "" {
		return fmt.Errorf("%w: empty device serial", ErrInvalidEvent)
	}
	if !ev.EventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.EventType)
	}
	if !ev.ProcessingStatus.Valid() {
		return fmt.Errorf("%w: unknown processing status %q", ErrInvalidEvent, ev.ProcessingStatus)
	}
	if err := ev.Details.Validate(ev.EventType); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

func (l *Ledger) publish(ctx context.Context, ev models.DeviceHistoryEvent) {
	if l.pub == nil {
		return
	}
	if err := l.pub.PublishEvent(ctx, ev); err != nil {
		logger.Warning("device history publish failed", "serial", ev.DeviceSerial, "eventId", ev.ID, "error", err.Error())
	}
}
