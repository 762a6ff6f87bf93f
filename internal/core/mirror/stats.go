package mirror

import "sync/atomic"

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	Applied      uint64 `json:"applied"`
	Stale        uint64 `json:"stale"`
	Buffered     uint64 `json:"buffered"`
	Evicted      uint64 `json:"evicted"`
	GapTimeouts  uint64 `json:"gap_timeouts"`
	Resyncs      uint64 `json:"resyncs"`
	ApplyErrors  uint64 `json:"apply_errors"`
	DataErrors   uint64 `json:"data_errors"`
	DumpsApplied uint64 `json:"dumps_applied"`
	// StatusPublished counts status changes put on the bus and
	// StatusDeliveries the handler invocations they caused.
	StatusPublished  uint64 `json:"status_published"`
	StatusDeliveries uint64 `json:"status_deliveries"`
}

type counters struct {
	applied      atomic.Uint64
	stale        atomic.Uint64
	buffered     atomic.Uint64
	evicted      atomic.Uint64
	gapTimeouts  atomic.Uint64
	resyncs      atomic.Uint64
	applyErrors  atomic.Uint64
	dataErrors   atomic.Uint64
	dumpsApplied atomic.Uint64

	statusPublished  atomic.Uint64
	statusDeliveries atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Applied:      c.applied.Load(),
		Stale:        c.stale.Load(),
		Buffered:     c.buffered.Load(),
		Evicted:      c.evicted.Load(),
		GapTimeouts:  c.gapTimeouts.Load(),
		Resyncs:      c.resyncs.Load(),
		ApplyErrors:  c.applyErrors.Load(),
		DataErrors:   c.dataErrors.Load(),
		DumpsApplied: c.dumpsApplied.Load(),

		StatusPublished:  c.statusPublished.Load(),
		StatusDeliveries: c.statusDeliveries.Load(),
	}
}
