package observability

import (
	"stablelend/events"
	"stablelend/lending"
)

// Recorder is an events.Emitter that translates committed pool events into
// Prometheus counters. It is meant to sit alongside the audit journal and
// the live stream in an events.Multi fan-out.
type Recorder struct {
	pool *poolMetrics
}

// NewRecorder returns a Recorder bound to the process-wide pool registry.
func NewRecorder() *Recorder {
	return &Recorder{pool: Pool()}
}

// Emit implements events.Emitter.
func (r *Recorder) Emit(p events.Payload) {
	if r == nil || p == nil {
		return
	}
	switch evt := p.(type) {
	case *lending.DepositedEvent:
		r.pool.RecordOperation("deposit")
	case *lending.WithdrawnEvent:
		r.pool.RecordOperation("withdraw")
	case *lending.LoanOpenedEvent:
		r.pool.RecordOperation("borrow")
	case *lending.LoanRepaidEvent:
		r.pool.RecordOperation("repay")
	case *lending.LoanLiquidatedEvent:
		r.pool.RecordOperation("liquidate")
		trigger := "health"
		if evt != nil && evt.Expired {
			trigger = "expiry"
		}
		r.pool.RecordLiquidation(trigger)
	case *lending.PausesUpdatedEvent:
		if evt == nil {
			return
		}
		r.pool.SetPause("deposit", evt.Pauses.Deposit)
		r.pool.SetPause("withdraw", evt.Pauses.Withdraw)
		r.pool.SetPause("borrow", evt.Pauses.Borrow)
		r.pool.SetPause("repay", evt.Pauses.Repay)
		r.pool.SetPause("liquidate", evt.Pauses.Liquidate)
	default:
		r.pool.RecordOperation(p.EventType())
	}
}
