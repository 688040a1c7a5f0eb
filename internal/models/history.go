package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed taxonomy of device lifecycle events. The string
// values are consumed by reporting and must not change.
type EventType string

const (
	EventDeviceCreated    EventType = "device_created"
	EventDeviceUpdated    EventType = "device_updated"
	EventDeviceDeleted    EventType = "device_deleted"
	EventDeviceAssigned   EventType = "device_assigned"
	EventDeviceUnassigned EventType = "device_unassigned"
	EventDeviceReplaced   EventType = "device_replaced"
	EventDeviceBlocked    EventType = "device_blocked"
	EventDeviceUnblocked  EventType = "device_unblocked"

	EventMythRegistered   EventType = "myth_registered"
	EventMythDeregistered EventType = "myth_deregistered"
	EventMythSwapFailed   EventType = "myth_swap_failed"
	EventMythSynced       EventType = "myth_synced"
	EventMythSyncFailed   EventType = "myth_sync_failed"

	EventSkidataTicketCreated      EventType = "skidata_ticket_created"
	EventSkidataTicketCancelled    EventType = "skidata_ticket_cancelled"
	EventSkidataTicketCreateFailed EventType = "skidata_ticket_create_failed"
	EventSkidataTicketCancelFailed EventType = "skidata_ticket_cancel_failed"
	EventSkidataPermissionUpdated  EventType = "skidata_permission_updated"
	EventSkidataSynced             EventType = "skidata_synced"

	EventGateEntry         EventType = "gate_entry"
	EventGateExit          EventType = "gate_exit"
	EventGateDenied        EventType = "gate_denied"
	EventTurnstilePassage  EventType = "turnstile_passage"
	EventTurnstileRejected EventType = "turnstile_rejected"

	EventKioskPickup     EventType = "kiosk_pickup"
	EventKioskReturn     EventType = "kiosk_return"
	EventCashDeskSale    EventType = "cash_desk_sale"
	EventCashDeskRefund  EventType = "cash_desk_refund"
	EventCashDeskReprint EventType = "cash_desk_reprint"
	EventRentalStarted   EventType = "rental_started"
	EventRentalReturned  EventType = "rental_returned"

	EventOrderCreated   EventType = "order_created"
	EventOrderPaid      EventType = "order_paid"
	EventOrderUpdated   EventType = "order_updated"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderRefunded  EventType = "order_refunded"

	EventErrorDetected        EventType = "error_detected"
	EventLedgerWriteFailed    EventType = "ledger_write_failed"
	EventMaintenanceStarted   EventType = "maintenance_started"
	EventMaintenanceCompleted EventType = "maintenance_completed"
	EventManualCorrection     EventType = "manual_correction"
)

type EventCategory string

const (
	CategoryDevice  EventCategory = "device"
	CategoryMyth    EventCategory = "myth"
	CategorySkidata EventCategory = "skidata"
	CategoryGate    EventCategory = "gate"
	CategoryKiosk   EventCategory = "kiosk"
	CategoryOrder   EventCategory = "order"
	CategoryError   EventCategory = "error"
)

var eventCategories = map[EventType]EventCategory{
	EventDeviceCreated:    CategoryDevice,
	EventDeviceUpdated:    CategoryDevice,
	EventDeviceDeleted:    CategoryDevice,
	EventDeviceAssigned:   CategoryDevice,
	EventDeviceUnassigned: CategoryDevice,
	EventDeviceReplaced:   CategoryDevice,
	EventDeviceBlocked:    CategoryDevice,
	EventDeviceUnblocked:  CategoryDevice,

	EventMythRegistered:   CategoryMyth,
	EventMythDeregistered: CategoryMyth,
	EventMythSwapFailed:   CategoryMyth,
	EventMythSynced:       CategoryMyth,
	EventMythSyncFailed:   CategoryMyth,

	EventSkidataTicketCreated:      CategorySkidata,
	EventSkidataTicketCancelled:    CategorySkidata,
	EventSkidataTicketCreateFailed: CategorySkidata,
	EventSkidataTicketCancelFailed: CategorySkidata,
	EventSkidataPermissionUpdated:  CategorySkidata,
	EventSkidataSynced:             CategorySkidata,

	EventGateEntry:         CategoryGate,
	EventGateExit:          CategoryGate,
	EventGateDenied:        CategoryGate,
	EventTurnstilePassage:  CategoryGate,
	EventTurnstileRejected: CategoryGate,

	EventKioskPickup:     CategoryKiosk,
	EventKioskReturn:     CategoryKiosk,
	EventCashDeskSale:    CategoryKiosk,
	EventCashDeskRefund:  CategoryKiosk,
	EventCashDeskReprint: CategoryKiosk,
	EventRentalStarted:   CategoryKiosk,
	EventRentalReturned:  CategoryKiosk,

	EventOrderCreated:   CategoryOrder,
	EventOrderPaid:      CategoryOrder,
	EventOrderUpdated:   CategoryOrder,
	EventOrderCancelled: CategoryOrder,
	EventOrderRefunded:  CategoryOrder,

	EventErrorDetected:        CategoryError,
	EventLedgerWriteFailed:    CategoryError,
	EventMaintenanceStarted:   CategoryError,
	EventMaintenanceCompleted: CategoryError,
	EventManualCorrection:     CategoryError,
}

func (t EventType) Valid() bool {
	_, ok := eventCategories[t]
	return ok
}

// Category returns the payload category of t, or "" for unknown types.
func (t EventType) Category() EventCategory {
	return eventCategories[t]
}

// AllEventTypes returns every event type sorted by value.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventCategories))
	for t := range eventCategories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type ProcessingStatus string

const (
	ProcessingPending           ProcessingStatus = "pending"
	ProcessingProcessed         ProcessingStatus = "processed"
	ProcessingFailed            ProcessingStatus = "failed"
	ProcessingRequiresAttention ProcessingStatus = "requires_attention"
)

func (s ProcessingStatus) Valid() bool {
	switch s {
	case ProcessingPending, ProcessingProcessed, ProcessingFailed, ProcessingRequiresAttention:
		return true
	}
	return false
}

type Initiator string

const (
	InitiatedBySystem      Initiator = "system"
	InitiatedByOperator    Initiator = "operator"
	InitiatedByCustomer    Initiator = "customer"
	InitiatedByGate        Initiator = "gate"
	InitiatedByKiosk       Initiator = "kiosk"
	InitiatedByIntegration Initiator = "integration"
)

type LocationType string

const (
	LocationResort   LocationType = "resort"
	LocationGate     LocationType = "gate"
	LocationKiosk    LocationType = "kiosk"
	LocationCashDesk LocationType = "cash_desk"
	LocationOffice   LocationType = "office"
	LocationOnline   LocationType = "online"
)

// DeviceHistoryEvent is one immutable ledger row. Corrections are new events.
type DeviceHistoryEvent struct {
	ID               uuid.UUID        `json:"id"`
	DeviceSerial     string           `json:"deviceSerial"`
	EventType        EventType        `json:"eventType"`
	EventTimestamp   time.Time        `json:"eventTimestamp"`
	LocationType     LocationType     `json:"locationType,omitempty"`
	LocationID       string           `json:"locationId,omitempty"`
	LocationName     string           `json:"locationName,omitempty"`
	StatusBefore     string           `json:"statusBefore,omitempty"`
	StatusAfter      string           `json:"statusAfter,omitempty"`
	Details          EventDetails     `json:"details"`
	InitiatedBy      Initiator        `json:"initiatedBy,omitempty"`
	InitiatorID      string           `json:"initiatorId,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	CreatedAt        time.Time        `json:"createdAt"`
}
