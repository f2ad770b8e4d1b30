package orchestrator

import (
	"time"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/events"
)

// ApprovalEvents turns gate notifications into batch events. Run ids are
// batch ids, so each request lands on its batch's topic. Requests made
// outside a batch are ignored.
func ApprovalEvents(publisher events.Publisher, clock func() time.Time) approval.Listener {
	if clock == nil {
		clock = time.Now
	}
	return func(req approval.Request) {
		if publisher == nil || req.RunID == "" {
			return
		}
		kind := events.ApprovalResolved
		if req.Decision == approval.DecisionPending {
			kind = events.ApprovalRequested
		}
		publisher.Publish(stamp(events.New(kind, req.RunID, req.ContractID, req), clock))
	}
}
