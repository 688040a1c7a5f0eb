// Package swap moves an active pass from an old device to a new one across
// Myth, Skidata and the internal order. The move is three phases that an
// operator triggers and retries independently; nothing is rolled back
// automatically, since a pass already scanned at a gate cannot be safely
// un-cancelled by software.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resortops/passkeeper/internal/cache"
	"github.com/resortops/passkeeper/internal/gateway"
	"github.com/resortops/passkeeper/internal/gateway/myth"
	"github.com/resortops/passkeeper/internal/gateway/skidata"
	"github.com/resortops/passkeeper/internal/logger"
	"github.com/resortops/passkeeper/internal/metrics"
	"github.com/resortops/passkeeper/internal/models"
	"github.com/resortops/passkeeper/internal/repository"
	"github.com/resortops/passkeeper/internal/tracker"
)

const DefaultTimeout = 60 * time.Second

type MythGateway interface {
	SwapDevice(ctx context.Context, req myth.SwapRequest) (*myth.SwapResponse, error)
	GetDevice(ctx context.Context, deviceID string) (*models.MythDevice, error)
}

type SkidataGateway interface {
	CreateTicket(ctx context.Context, req skidata.CreateTicketRequest) (*skidata.Response, error)
	CancelTicket(ctx context.Context, req skidata.CancelTicketRequest) (*skidata.Response, error)
	GetOrder(ctx context.Context, skidataOrderID int64) ([]models.SkidataOrderItem, error)
}

type OrderStore interface {
	GetByID(ctx context.Context, id int64) (*models.Order, error)
	RecordSkidataOrder(ctx context.Context, orderID, skidataOrderID int64) error
	AddDevice(ctx context.Context, orderID int64, deviceID string) error
}

type EventRecorder interface {
	Record(ctx context.Context, ev models.DeviceHistoryEvent) models.DeviceHistoryEvent
}

type Option func(*Orchestrator)

// WithTimeouts bounds each Myth and Skidata call. Non-positive values keep
// the default.
func WithTimeouts(mythTimeout, skidataTimeout time.Duration) Option {
	return func(o *Orchestrator) {
		if mythTimeout > 0 {
			o.mythTimeout = mythTimeout
		}
		if skidataTimeout > 0 {
			o.skidataTimeout = skidataTimeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs the swap phases. It takes no lock across phases: two
// operators swapping the same pair at once can interleave.
type Orchestrator struct {
	orders  OrderStore
	myth    MythGateway
	skidata SkidataGateway
	ledger  EventRecorder
	board   *cache.StatusBoard

	mythTimeout    time.Duration
	skidataTimeout time.Duration
	now            func() time.Time
}

func NewOrchestrator(orders OrderStore, mythGW MythGateway, skidataGW SkidataGateway, ledger EventRecorder, board *cache.StatusBoard, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		orders:         orders,
		myth:           mythGW,
		skidata:        skidataGW,
		ledger:         ledger,
		board:          board,
		mythTimeout:    DefaultTimeout,
		skidataTimeout: DefaultTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns the lifecycle view of passID.
func (o *Orchestrator) Status(passID string) cache.PassState {
	return o.board.Get(passID)
}

// SwapOnMyth moves the booking's active device from the old pass to the new
// one on Myth.
func (o *Orchestrator) SwapOnMyth(ctx context.Context, req MythSwapRequest) (res Result) {
	ctx, step := tracker.Start(ctx, "swap.myth", fmt.Sprintf("Swap %s -> %s on Myth for order %d", req.OldPassID, req.NewPassID, req.OrderID))
	defer o.finish(step, PhaseSwapOnMyth, o.now(), &res)
	logger.Info("swap on myth started", "orderId", req.OrderID, "oldPass", req.OldPassID, "newPass", req.NewPassID)

	if err := req.normalize(); err != nil {
		return invalid(PhaseSwapOnMyth, err)
	}
	order, failed := o.loadOrder(ctx, PhaseSwapOnMyth, req.OrderID)
	if failed != nil {
		return *failed
	}
	o.board.CaptureBaseline(order.ID, req.OldPassID, order.SkidataOrderID)
	o.board.ReleaseBaseline(order.ID, req.NewPassID)

	resortID := req.ResortID
	if resortID == 0 {
		resortID = order.ResortID
	}
	if resortID == 0 {
		return invalid(PhaseSwapOnMyth, errors.New("resortId is required and the order has none"))
	}

	callCtx, cancel := context.WithTimeout(ctx, o.mythTimeout)
	defer cancel()
	_, call := tracker.Start(ctx, "myth.swap_device", "POST /devices/swap")
	resp, err := o.myth.SwapDevice(callCtx, myth.SwapRequest{
		OrderID:   order.ID,
		OldPassID: req.OldPassID,
		NewPassID: req.NewPassID,
		ResortID:  resortID,
	})
	if err != nil {
		call.Fail(err)
		kind := ErrorKind(gateway.Classify(err))
		if kind.Indeterminate() {
			unknown := cache.Update{OnMyth: cache.Set(cache.Unknown), ActivePass: cache.Set(cache.Unknown)}
			o.board.Apply(req.OldPassID, unknown)
			o.board.Apply(req.NewPassID, unknown)
		}
		msg := failureMessage("Myth", kind, err, o.mythTimeout)
		o.record(ctx, req.OldPassID, models.EventMythSwapFailed, models.ProcessingRequiresAttention, "", "",
			&models.MythPayload{OrderID: order.ID, ResortID: resortID, Operation: "swap", CounterpartSerial: req.NewPassID, Message: msg},
			"errorKind", string(kind))
		return o.failure(PhaseSwapOnMyth, kind, msg, req.OldPassID, req.NewPassID)
	}
	call.Complete(nil)

	o.board.Apply(req.OldPassID, cache.Update{OnMyth: cache.Set(cache.False), ActivePass: cache.Set(cache.False)})
	o.board.Apply(req.NewPassID, cache.Update{OnMyth: cache.Set(cache.True), ActivePass: cache.Set(cache.True)})
	if err := o.orders.AddDevice(ctx, order.ID, req.NewPassID); err != nil {
		logger.Error("failed to add new pass to order", err, "orderId", order.ID, "pass", req.NewPassID)
	}

	o.record(ctx, req.OldPassID, models.EventMythDeregistered, "", "active", "inactive",
		&models.MythPayload{OrderID: order.ID, ResortID: resortID, Operation: "swap", CounterpartSerial: req.NewPassID})
	o.record(ctx, req.NewPassID, models.EventMythRegistered, "", "inactive", "active",
		&models.MythPayload{OrderID: order.ID, ResortID: resortID, Operation: "swap", CounterpartSerial: req.OldPassID})

	res = o.success(PhaseSwapOnMyth, fmt.Sprintf("Pass %s is now active on Myth in place of %s", req.NewPassID, req.OldPassID), req.OldPassID, req.NewPassID)
	if len(resp.Data) > 0 {
		res.Data = resp.Data
	}
	return res
}

// CreateSkipass creates the Skidata ticket for the new pass. The old pass is
// left untouched.
func (o *Orchestrator) CreateSkipass(ctx context.Context, req CreateSkipassRequest) (res Result) {
	ctx, step := tracker.Start(ctx, "swap.create_skipass", fmt.Sprintf("Create skipass for %s replacing %s on order %d", req.NewPassID, req.OldPassID, req.OrderID))
	defer o.finish(step, PhaseCreateSkipass, o.now(), &res)
	logger.Info("create skipass started", "orderId", req.OrderID, "oldPass", req.OldPassID, "newPass", req.NewPassID)

	if err := req.normalize(); err != nil {
		return invalid(PhaseCreateSkipass, err)
	}
	oldNum, _ := numericID("oldPassId", req.OldPassID)
	newNum, _ := numericID("newPassId", req.NewPassID)

	order, failed := o.loadOrder(ctx, PhaseCreateSkipass, req.OrderID)
	if failed != nil {
		return *failed
	}
	o.board.CaptureBaseline(order.ID, req.OldPassID, order.SkidataOrderID)
	o.board.ReleaseBaseline(order.ID, req.NewPassID)

	callCtx, cancel := context.WithTimeout(ctx, o.skidataTimeout)
	defer cancel()
	_, call := tracker.Start(ctx, "skidata.create_ticket", "POST /tickets")
	resp, err := o.skidata.CreateTicket(callCtx, skidata.CreateTicketRequest{OrderID: order.ID, OldPassID: oldNum, NewPassID: newNum})
	if err != nil {
		call.Fail(err)
		kind := ErrorKind(gateway.Classify(err))
		if kind.Indeterminate() {
			o.board.Apply(req.NewPassID, cache.Update{SkipassActive: cache.Set(cache.Unknown)})
		}
		msg := failureMessage("Skidata", kind, err, o.skidataTimeout)
		o.record(ctx, req.NewPassID, models.EventSkidataTicketCreateFailed, models.ProcessingRequiresAttention, "", "",
			&models.SkidataPayload{OrderID: order.ID, Operation: "create", CounterpartSerial: req.OldPassID, Message: msg},
			"errorKind", string(kind))
		return o.failure(PhaseCreateSkipass, kind, msg, "", req.NewPassID)
	}
	call.Complete(nil)

	o.board.Apply(req.NewPassID, cache.Update{SkipassActive: cache.Set(cache.True)})

	newSkidataID := resp.NewOrderID()
	if newSkidataID != 0 {
		if err := o.orders.RecordSkidataOrder(ctx, order.ID, newSkidataID); err != nil {
			logger.Error("failed to record new skidata order", err, "orderId", order.ID, "skidataOrderId", newSkidataID)
		}
	}

	o.record(ctx, req.NewPassID, models.EventSkidataTicketCreated, "", "", "active",
		&models.SkidataPayload{OrderID: order.ID, SkidataOrderID: newSkidataID, Operation: "create", CounterpartSerial: req.OldPassID})

	res = o.success(PhaseCreateSkipass, fmt.Sprintf("Skipass created for pass %s", req.NewPassID), "", req.NewPassID)
	if len(resp.Results) > 0 {
		res.Data = resp.Results
	}
	return res
}

// CancelOldSkipass cancels the old pass's ticket on the Skidata order it
// belonged to before the swap. That is the baseline captured by the first
// phase of this swap, or the order's previous Skidata order id, never the
// order created by CreateSkipass.
func (o *Orchestrator) CancelOldSkipass(ctx context.Context, req CancelSkipassRequest) (res Result) {
	ctx, step := tracker.Start(ctx, "swap.cancel_skipass", fmt.Sprintf("Cancel skipass of %s on order %d", req.OldDeviceID, req.OrderID))
	defer o.finish(step, PhaseCancelOldSkipass, o.now(), &res)
	logger.Info("cancel old skipass started", "orderId", req.OrderID, "oldPass", req.OldDeviceID)

	if err := req.normalize(); err != nil {
		return invalid(PhaseCancelOldSkipass, err)
	}
	deviceNum, _ := numericID("oldDeviceId", req.OldDeviceID)

	order, failed := o.loadOrder(ctx, PhaseCancelOldSkipass, req.OrderID)
	if failed != nil {
		return *failed
	}
	target, ok := o.board.Baseline(order.ID, req.OldDeviceID)
	if !ok {
		target = o.board.CaptureBaseline(order.ID, req.OldDeviceID, order.PreviousSkidataOrderID())
	}
	if target == 0 {
		return invalid(PhaseCancelOldSkipass, fmt.Errorf("order %d has no Skidata order to cancel against", order.ID))
	}

	match := o.resolveTicket(ctx, req.OldDeviceID, target)

	callCtx, cancel := context.WithTimeout(ctx, o.skidataTimeout)
	defer cancel()
	_, call := tracker.Start(ctx, "skidata.cancel_ticket", "POST /tickets/cancel")
	resp, err := o.skidata.CancelTicket(callCtx, skidata.CancelTicketRequest{OrderID: target, DeviceID: deviceNum})
	payload := &models.SkidataPayload{OrderID: order.ID, SkidataOrderID: target, Operation: "cancel"}
	if match != nil && match.Found {
		payload.OrderItemID = match.OrderItem.ID
		payload.TicketItemID = match.TicketItem.ID
		payload.PermissionSerial = match.TicketItem.PermissionSerial
	}
	if err != nil {
		call.Fail(err)
		kind := ErrorKind(gateway.Classify(err))
		if kind.Indeterminate() {
			o.board.Apply(req.OldDeviceID, cache.Update{SkipassActive: cache.Set(cache.Unknown)})
		}
		msg := failureMessage("Skidata", kind, err, o.skidataTimeout)
		payload.Message = msg
		o.record(ctx, req.OldDeviceID, models.EventSkidataTicketCancelFailed, models.ProcessingRequiresAttention, "", "",
			payload, "errorKind", string(kind))
		return o.failure(PhaseCancelOldSkipass, kind, msg, req.OldDeviceID, "")
	}
	call.Complete(nil)

	o.board.Apply(req.OldDeviceID, cache.Update{SkipassActive: cache.Set(cache.False)})
	o.record(ctx, req.OldDeviceID, models.EventSkidataTicketCancelled, "", "active", "cancelled", payload)

	res = o.success(PhaseCancelOldSkipass, fmt.Sprintf("Skipass of pass %s cancelled on Skidata order %d", req.OldDeviceID, target), req.OldDeviceID, "")
	data := map[string]any{"skidataOrderId": target}
	if len(resp.Results) > 0 {
		data["results"] = resp.Results
	}
	if match != nil && match.Found {
		data["ticketItemId"] = match.TicketItem.ID
	}
	res.Data = data
	return res
}

func (o *Orchestrator) loadOrder(ctx context.Context, phase Phase, id int64) (*models.Order, *Result) {
	order, err := o.orders.GetByID(ctx, id)
	if err == nil && order == nil {
		err = repository.ErrOrderNotFound
	}
	if err == nil {
		return order, nil
	}
	res := Result{Phase: phase, Message: err.Error()}
	if errors.Is(err, repository.ErrOrderNotFound) {
		res.ErrorKind = KindNotFound
		res.Message = fmt.Sprintf("Order %d not found", id)
	} else {
		res.ErrorKind = ErrorKind(gateway.Classify(err))
		res.Retryable = true
	}
	return nil, &res
}

func (o *Orchestrator) record(ctx context.Context, serial string, t models.EventType, status models.ProcessingStatus,
	before, after string, payload models.Payload, meta ...string) {
	ev := models.DeviceHistoryEvent{
		DeviceSerial:     serial,
		EventType:        t,
		EventTimestamp:   o.now().UTC(),
		LocationType:     models.LocationOffice,
		StatusBefore:     before,
		StatusAfter:      after,
		Details:          models.EventDetails{Payload: payload},
		InitiatedBy:      models.InitiatedBySystem,
		ProcessingStatus: status,
	}
	if op := operatorFrom(ctx); op != "" {
		ev.InitiatedBy = models.InitiatedByOperator
		ev.InitiatorID = op
	}
	for i := 0; i+1 < len(meta); i += 2 {
		ev.Details.SetMeta(meta[i], meta[i+1])
	}
	if task, ok := currentTask(ctx); ok {
		ev.Details.SetMeta("taskId", task)
	}
	o.ledger.Record(ctx, ev)
}

func currentTask(ctx context.Context) (string, bool) {
	t := tracker.FromContext(ctx)
	if t == nil {
		return "", false
	}
	task, ok := t.GetCurrentTask()
	return task.ID, ok
}

func (o *Orchestrator) success(phase Phase, msg, oldPass, newPass string) Result {
	res := Result{Success: true, Message: msg, Phase: phase}
	o.attachStates(&res, oldPass, newPass)
	return res
}

func (o *Orchestrator) failure(phase Phase, kind ErrorKind, msg, oldPass, newPass string) Result {
	res := Result{Message: msg, ErrorKind: kind, Retryable: true, Phase: phase}
	o.attachStates(&res, oldPass, newPass)
	return res
}

func (o *Orchestrator) attachStates(res *Result, oldPass, newPass string) {
	if oldPass != "" {
		s := o.board.Get(oldPass)
		res.OldPass = &s
	}
	if newPass != "" {
		s := o.board.Get(newPass)
		res.NewPass = &s
	}
}

func invalid(phase Phase, err error) Result {
	return Result{Phase: phase, Message: err.Error(), ErrorKind: KindValidation}
}

// failureMessage passes API messages through verbatim and says plainly when
// the outcome on the remote side is unknown.
func failureMessage(system string, kind ErrorKind, err error, timeout time.Duration) string {
	switch kind {
	case KindAPI:
		return gateway.Message(err)
	case KindTimeout:
		return fmt.Sprintf("%s did not answer within %s; the change may or may not have been applied", system, timeout)
	case KindAborted:
		return fmt.Sprintf("%s request was aborted; the change may or may not have been applied", system)
	}
	return fmt.Sprintf("%s request failed: %v", system, err)
}

// finish closes the phase step, records metrics and turns a panic into an
// unknown failure.
func (o *Orchestrator) finish(step *tracker.Step, phase Phase, started time.Time, res *Result) {
	if r := recover(); r != nil {
		logger.Error("swap phase panicked", fmt.Errorf("%v", r), "phase", phase)
		*res = Result{Phase: phase, Message: fmt.Sprintf("internal error: %v", r), ErrorKind: KindUnknown, Retryable: true}
	}

	metrics.SwapPhaseTotal.WithLabelValues(string(phase), res.outcome()).Inc()
	metrics.SwapPhaseDuration.WithLabelValues(string(phase)).Observe(o.now().Sub(started).Seconds())

	if res.Success {
		step.Complete(res.Message)
		logger.Success(string(phase), "message", res.Message)
		return
	}
	err := errors.New(res.Message)
	if res.ErrorKind == KindValidation || res.ErrorKind == KindNotFound {
		step.Warn(err)
		logger.Warning(string(phase)+" rejected", "kind", res.ErrorKind, "message", res.Message)
		return
	}
	step.Fail(err)
	logger.Error(string(phase)+" failed", err, "kind", res.ErrorKind)
}
