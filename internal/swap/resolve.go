package swap

import (
	"context"
	"fmt"

	"github.com/resortops/passkeeper/internal/logger"
	"github.com/resortops/passkeeper/internal/metrics"
	"github.com/resortops/passkeeper/internal/resolver"
	"github.com/resortops/passkeeper/internal/tracker"
)

// resolveTicket finds the Skidata ticket backing deviceID on skidataOrderID.
// It is best effort: a failed lookup or a miss is logged and returns nil or
// an unmatched result, and never blocks the caller.
func (o *Orchestrator) resolveTicket(ctx context.Context, deviceID string, skidataOrderID int64) *resolver.Match {
	ctx, step := tracker.Start(ctx, "resolve.ticket", fmt.Sprintf("Resolve Skidata ticket of %s on order %d", deviceID, skidataOrderID))

	mythCtx, cancelMyth := context.WithTimeout(ctx, o.mythTimeout)
	defer cancelMyth()
	device, err := o.myth.GetDevice(mythCtx, deviceID)
	if err != nil {
		step.Warn(fmt.Errorf("myth device lookup: %w", err))
		logger.Warning("ticket resolution skipped", "device", deviceID, "reason", "myth lookup failed", "error", err.Error())
		return nil
	}

	skidataCtx, cancelSkidata := context.WithTimeout(ctx, o.skidataTimeout)
	defer cancelSkidata()
	items, err := o.skidata.GetOrder(skidataCtx, skidataOrderID)
	if err != nil {
		step.Warn(fmt.Errorf("skidata order lookup: %w", err))
		logger.Warning("ticket resolution skipped", "device", deviceID, "skidataOrderId", skidataOrderID, "reason", "skidata lookup failed", "error", err.Error())
		return nil
	}

	match := resolver.Resolve(*device, items)
	switch {
	case !match.Found:
		metrics.ResolverMatches.WithLabelValues("unmatched").Inc()
		step.Warn(fmt.Errorf("no ticket carries serial %q", match.Serial))
		logger.Warning("pass not present in ticketing system", "device", deviceID, "serial", match.Serial, "skidataOrderId", skidataOrderID)
	case match.Ambiguous():
		metrics.ResolverMatches.WithLabelValues("ambiguous").Inc()
		step.Complete(match.TicketItem.ID)
		logger.Warning("ambiguous ticket resolution, using first match", "device", deviceID, "serial", match.Serial, "matches", match.Matches, "ticketItemId", match.TicketItem.ID)
	default:
		metrics.ResolverMatches.WithLabelValues("matched").Inc()
		step.Complete(match.TicketItem.ID)
	}
	return &match
}
