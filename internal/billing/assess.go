// Package billing holds the unit accounting shared by every path that
// charges a session: mid-call deduction ticks, manual end, and the
// sweep's automatic end. All three feed the same arithmetic so they can
// never disagree about what a window of connected time costs.
package billing

const (
	// UnitSeconds is the connected time one billing unit buys.
	UnitSeconds = 600

	// ClampSlackSeconds bounds how far a client-reported duration may
	// exceed the server-computed connected duration.
	ClampSlackSeconds = 60
)

// Usage describes one billing evaluation of a session.
type Usage struct {
	// ReportedSeconds is the client-reported elapsed duration. Zero or
	// negative means the client reported nothing; the server duration is
	// used as-is.
	ReportedSeconds int64

	// ConnectedSeconds is the server-computed duration from connected_at
	// (or activated_at for text sessions) to now.
	ConnectedSeconds int64

	// ProcessedTicks is how many automatic ticks were already charged.
	ProcessedTicks int

	// ManualEnd marks an explicit termination by a participant.
	ManualEnd bool

	// WasConnected is the server's view of whether the session ever
	// carried connected time. An unconnected session is never charged.
	WasConnected bool
}

// Assessment is the outcome of the canonical accounting function.
type Assessment struct {
	ClampedSeconds int64
	AutoTicks      int
	NewTicks       int
	ManualTick     int
}

// TotalUnits is the number of units owed by this evaluation.
func (a Assessment) TotalUnits() int {
	return a.NewTicks + a.ManualTick
}

// Assess computes units owed from elapsed connected time and prior
// charges. Replaying with the same ProcessedTicks yields zero NewTicks,
// so a retried charge is a no-op by construction.
func Assess(u Usage) Assessment {
	if !u.WasConnected {
		return Assessment{}
	}

	elapsed := u.ConnectedSeconds
	if elapsed < 0 {
		elapsed = 0
	}
	if u.ReportedSeconds > 0 {
		clamped := u.ReportedSeconds
		if max := u.ConnectedSeconds + ClampSlackSeconds; clamped > max {
			clamped = max
		}
		elapsed = clamped
	}

	elapsedMinutes := elapsed / 60
	autoTicks := int(elapsedMinutes / (UnitSeconds / 60))

	newTicks := autoTicks - u.ProcessedTicks
	if newTicks < 0 {
		newTicks = 0
	}

	a := Assessment{
		ClampedSeconds: elapsed,
		AutoTicks:      autoTicks,
		NewTicks:       newTicks,
	}
	if u.ManualEnd {
		a.ManualTick = 1
	}
	return a
}

// Charge is an assessment bounded by what the balance can actually pay.
type Charge struct {
	Assessment  Assessment
	UnitsCharged int
	Shortfall    int
	PayoutMinor  int64
	Currency     string
}

// PlanCharge caps the owed units at the available balance and prices the
// doctor payout. A shortfall is not an error; the caller reports it and
// the session still ends.
func PlanCharge(a Assessment, available int, rate Rate) Charge {
	owed := a.TotalUnits()
	charged := owed
	if charged > available {
		charged = available
	}
	if charged < 0 {
		charged = 0
	}
	return Charge{
		Assessment:   a,
		UnitsCharged: charged,
		Shortfall:    owed - charged,
		PayoutMinor:  rate.AmountMinor * int64(charged),
		Currency:     rate.Currency,
	}
}
