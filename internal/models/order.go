package models

import (
	"encoding/json"
	"time"
)

// Order is the internal order record. A swap creates a new Skidata order while
// the old one stays addressable for cancellation, so Skidata ids are kept as
// the current id plus an append-only history.
type Order struct {
	ID                      int64           `json:"id"`
	ResortID                int             `json:"resortId"`
	SalesChannel            string          `json:"salesChannel"`
	ClientReference         string          `json:"clientReference"`
	PriceBreakdown          json.RawMessage `json:"priceBreakdown,omitempty"`
	MythBookingIDs          []string        `json:"mythBookingIds"`
	SkidataOrderID          int64           `json:"skidataOrderId"`
	PreviousSkidataOrderIDs []int64         `json:"previousSkidataOrderIds"`
	DeviceIDs               []string        `json:"deviceIds"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// AddDevice appends id unless the order already holds it.
func (o *Order) AddDevice(id string) bool {
	if id == "" || o.HasDevice(id) {
		return false
	}
	o.DeviceIDs = append(o.DeviceIDs, id)
	return true
}

func (o *Order) HasDevice(id string) bool {
	for _, d := range o.DeviceIDs {
		if d == id {
			return true
		}
	}
	return false
}

// RecordSkidataOrder makes newID the current Skidata order and moves the
// previous current id into the history.
func (o *Order) RecordSkidataOrder(newID int64) bool {
	if newID == 0 || newID == o.SkidataOrderID {
		return false
	}
	if o.SkidataOrderID != 0 {
		o.PreviousSkidataOrderIDs = append(o.PreviousSkidataOrderIDs, o.SkidataOrderID)
	}
	o.SkidataOrderID = newID
	return true
}

// PreviousSkidataOrderID is the newest historical Skidata order id, or the
// current one when no swap has rolled it over yet.
func (o *Order) PreviousSkidataOrderID() int64 {
	if n := len(o.PreviousSkidataOrderIDs); n > 0 {
		return o.PreviousSkidataOrderIDs[n-1]
	}
	return o.SkidataOrderID
}
