package swap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/resortops/passkeeper/internal/cache"
	"github.com/resortops/passkeeper/internal/gateway"
)

type Phase string

const (
	PhaseSwapOnMyth       Phase = "swap_on_myth"
	PhaseCreateSkipass    Phase = "create_skipass"
	PhaseCancelOldSkipass Phase = "cancel_old_skipass"
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindAPI        ErrorKind = ErrorKind(gateway.KindAPI)
	KindTimeout    ErrorKind = ErrorKind(gateway.KindTimeout)
	KindAborted    ErrorKind = ErrorKind(gateway.KindAborted)
	KindUnknown    ErrorKind = ErrorKind(gateway.KindUnknown)
)

// Indeterminate reports whether the remote side may or may not have applied
// the call.
func (k ErrorKind) Indeterminate() bool {
	return k == KindTimeout || k == KindAborted || k == KindUnknown
}

// Result is what every phase returns. Phases never return an error.
type Result struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message"`
	ErrorKind ErrorKind        `json:"errorKind,omitempty"`
	Retryable bool             `json:"retryable"`
	Data      any              `json:"data,omitempty"`
	Phase     Phase            `json:"phase"`
	OldPass   *cache.PassState `json:"oldPass,omitempty"`
	NewPass   *cache.PassState `json:"newPass,omitempty"`
}

func (r Result) outcome() string {
	if r.Success {
		return "success"
	}
	return string(r.ErrorKind)
}

type MythSwapRequest struct {
	OrderID   int64  `json:"orderId"`
	OldPassID string `json:"oldPassId"`
	NewPassID string `json:"newPassId"`
	// ResortID falls back to the order's resort when zero.
	ResortID int `json:"resortId"`
}

type CreateSkipassRequest struct {
	OrderID   int64  `json:"orderId"`
	OldPassID string `json:"oldPassId"`
	NewPassID string `json:"newPassId"`
}

type CancelSkipassRequest struct {
	OrderID     int64  `json:"orderId"`
	OldDeviceID string `json:"oldDeviceId"`
}

func (r *MythSwapRequest) normalize() error {
	r.OldPassID = strings.TrimSpace(r.OldPassID)
	r.NewPassID = strings.TrimSpace(r.NewPassID)
	if err := checkOrder(r.OrderID); err != nil {
		return err
	}
	if r.ResortID < 0 {
		return fmt.Errorf("resortId must not be negative")
	}
	return checkPair(r.OldPassID, r.NewPassID, false)
}

func (r *CreateSkipassRequest) normalize() error {
	r.OldPassID = strings.TrimSpace(r.OldPassID)
	r.NewPassID = strings.TrimSpace(r.NewPassID)
	if err := checkOrder(r.OrderID); err != nil {
		return err
	}
	return checkPair(r.OldPassID, r.NewPassID, true)
}

func (r *CancelSkipassRequest) normalize() error {
	r.OldDeviceID = strings.TrimSpace(r.OldDeviceID)
	if err := checkOrder(r.OrderID); err != nil {
		return err
	}
	if r.OldDeviceID == "" {
		return fmt.Errorf("oldDeviceId is required")
	}
	_, err := numericID("oldDeviceId", r.OldDeviceID)
	return err
}

func checkOrder(id int64) error {
	if id <= 0 {
		return fmt.Errorf("orderId is required")
	}
	return nil
}

func checkPair(oldID, newID string, numeric bool) error {
	if oldID == "" {
		return fmt.Errorf("oldPassId is required")
	}
	if newID == "" {
		return fmt.Errorf("newPassId is required")
	}
	if oldID == newID {
		return fmt.Errorf("oldPassId and newPassId must differ")
	}
	if numeric {
		if _, err := numericID("oldPassId", oldID); err != nil {
			return err
		}
		if _, err := numericID("newPassId", newID); err != nil {
			return err
		}
	}
	return nil
}

// numericID parses the numeric form Skidata expects for pass ids.
func numericID(field, id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive number, got %q", field, id)
	}
	return n, nil
}

type operatorKey struct{}

// WithOperator records who triggered the phases run with ctx.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

func operatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}
