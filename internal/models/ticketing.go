package models

// MythDevice is a device record as held by Myth.
type MythDevice struct {
	DeviceID   string `json:"deviceId"`
	DeviceCode string `json:"deviceCode"`
	DTACode    string `json:"dtaCode"`
}

// SkidataOrderItem is one item of a Skidata order with its tickets.
type SkidataOrderItem struct {
	ID          string       `json:"id"`
	ProductName string       `json:"productName,omitempty"`
	TicketItems []TicketItem `json:"ticketItems"`
}

type TicketItem struct {
	ID               string           `json:"id"`
	PermissionSerial string           `json:"permissionSerialNumber,omitempty"`
	Status           string           `json:"status,omitempty"`
	Identifications  []Identification `json:"identifications"`
}

type Identification struct {
	Type         string `json:"type,omitempty"`
	SerialNumber string `json:"serialNumber"`
}
