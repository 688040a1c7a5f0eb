package models

import (
	"encoding/json"
	"fmt"
)

// Payload is the category-specific part of an event's details. Implementations
// are the *XxxPayload types below.
type Payload interface {
	Category() EventCategory
}

type DevicePayload struct {
	DeviceCode        string `json:"deviceCode,omitempty"`
	DTACode           string `json:"dtaCode,omitempty"`
	OrderID           int64  `json:"orderId,omitempty"`
	ReplacementSerial string `json:"replacementSerial,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

type MythPayload struct {
	OrderID           int64  `json:"orderId,omitempty"`
	ResortID          int    `json:"resortId,omitempty"`
	BookingID         string `json:"bookingId,omitempty"`
	Operation         string `json:"operation"`
	CounterpartSerial string `json:"counterpartSerial,omitempty"`
	Message           string `json:"message,omitempty"`
}

type SkidataPayload struct {
	OrderID           int64  `json:"orderId,omitempty"`
	SkidataOrderID    int64  `json:"skidataOrderId,omitempty"`
	OrderItemID       string `json:"orderItemId,omitempty"`
	TicketItemID      string `json:"ticketItemId,omitempty"`
	PermissionSerial  string `json:"permissionSerial,omitempty"`
	Operation         string `json:"operation"`
	CounterpartSerial string `json:"counterpartSerial,omitempty"`
	Message           string `json:"message,omitempty"`
}

type GatePayload struct {
	GateID       string `json:"gateId"`
	Area         string `json:"area,omitempty"`
	Direction    string `json:"direction,omitempty"`
	Granted      bool   `json:"granted"`
	RejectReason string `json:"rejectReason,omitempty"`
}

type KioskPayload struct {
	TerminalID    string  `json:"terminalId"`
	Operation     string  `json:"operation"`
	Amount        float64 `json:"amount,omitempty"`
	Currency      string  `json:"currency,omitempty"`
	ReceiptNumber string  `json:"receiptNumber,omitempty"`
}

type OrderPayload struct {
	OrderID         int64   `json:"orderId"`
	SalesChannel    string  `json:"salesChannel,omitempty"`
	ClientReference string  `json:"clientReference,omitempty"`
	Status          string  `json:"status,omitempty"`
	Amount          float64 `json:"amount,omitempty"`
	Currency        string  `json:"currency,omitempty"`
}

type ErrorPayload struct {
	Source    string `json:"source"`
	Code      string `json:"code,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (DevicePayload) Category() EventCategory  { return CategoryDevice }
func (MythPayload) Category() EventCategory    { return CategoryMyth }
func (SkidataPayload) Category() EventCategory { return CategorySkidata }
func (GatePayload) Category() EventCategory    { return CategoryGate }
func (KioskPayload) Category() EventCategory   { return CategoryKiosk }
func (OrderPayload) Category() EventCategory   { return CategoryOrder }
func (ErrorPayload) Category() EventCategory   { return CategoryError }

func newPayload(c EventCategory) (Payload, error) {
	switch c {
	case CategoryDevice:
		return &DevicePayload{}, nil
	case CategoryMyth:
		return &MythPayload{}, nil
	case CategorySkidata:
		return &SkidataPayload{}, nil
	case CategoryGate:
		return &GatePayload{}, nil
	case CategoryKiosk:
		return &KioskPayload{}, nil
	case CategoryOrder:
		return &OrderPayload{}, nil
	case CategoryError:
		return &ErrorPayload{}, nil
	}
	return nil, fmt.Errorf("unknown payload category %q", c)
}

// EventDetails is a tagged union over the category payloads plus an open
// metadata bag. JSON form: {"category": ..., "data": {...}, "metadata": {...}}.
type EventDetails struct {
	Payload  Payload
	Metadata map[string]any
}

type detailsJSON struct {
	Category EventCategory   `json:"category,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

func (d EventDetails) Category() EventCategory {
	if d.Payload == nil {
		return ""
	}
	return d.Payload.Category()
}

// SetMeta stores a metadata value, allocating the bag on first use.
func (d *EventDetails) SetMeta(key string, value any) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}
	d.Metadata[key] = value
}

// Validate checks that the payload belongs to the category of t.
func (d EventDetails) Validate(t EventType) error {
	if d.Payload == nil {
		return nil
	}
	if d.Payload.Category() != t.Category() {
		return fmt.Errorf("payload category %q does not match event type %q", d.Payload.Category(), t)
	}
	return nil
}

func (d EventDetails) MarshalJSON() ([]byte, error) {
	out := detailsJSON{Metadata: d.Metadata}
	if d.Payload != nil {
		data, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, err
		}
		out.Category = d.Payload.Category()
		out.Data = data
	}
	return json.Marshal(out)
}

func (d *EventDetails) UnmarshalJSON(b []byte) error {
	var in detailsJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	d.Payload = nil
	d.Metadata = in.Metadata
	if in.Category == "" {
		return nil
	}
	p, err := newPayload(in.Category)
	if err != nil {
		return err
	}
	if len(in.Data) > 0 && string(in.Data) != "null" {
		if err := json.Unmarshal(in.Data, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", in.Category, err)
		}
	}
	d.Payload = p
	return nil
}
