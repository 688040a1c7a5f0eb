// Package resolver links a Myth device record to the Skidata ticket that backs
// it. The two systems share no key; the link is the serial number embedded in
// the vendor DTA code.
package resolver

import (
	"strings"
	"unicode"

	"github.com/resortops/passkeeper/internal/models"
)

// Match is the outcome of a resolution. Found is false when no identification
// carries the derived serial; that is a normal outcome meaning the pass is not
// yet present in the ticketing system.
type Match struct {
	Found      bool
	Serial     string
	OrderItem  *models.SkidataOrderItem
	TicketItem *models.TicketItem
	// Matches counts every identification that carried Serial. The first one
	// wins; more than one is surfaced through Ambiguous.
	Matches int
}

func (m Match) Ambiguous() bool {
	return m.Matches > 1
}

// SerialFromDTA derives the candidate serial from a "<prefix>-<serial>-<suffix>"
// code. Codes without a second segment yield "".
func SerialFromDTA(code string) string {
	parts := strings.Split(code, "-")
	if len(parts) < 2 {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, parts[1])
}

// Resolve scans items linearly and returns the first ticket item holding an
// identification whose serial equals the serial derived from device.DTACode.
func Resolve(device models.MythDevice, items []models.SkidataOrderItem) Match {
	m := Match{Serial: SerialFromDTA(device.DTACode)}
	if m.Serial == "" {
		return m
	}
	for i := range items {
		item := &items[i]
		for j := range item.TicketItems {
			ticket := &item.TicketItems[j]
			for _, ident := range ticket.Identifications {
				if ident.SerialNumber != m.Serial {
					continue
				}
				m.Matches++
				if !m.Found {
					m.Found = true
					m.OrderItem = item
					m.TicketItem = ticket
				}
			}
		}
	}
	return m
}
