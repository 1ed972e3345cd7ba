package clock

import "time"

// Clock yields the current time. Lifecycle operations take one explicitly
// so tests can pin time instead of sleeping.
type Clock func() time.Time

func System() Clock {
	return time.Now
}

// Fixed returns a clock frozen at t.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}

// ResponseDeadline is the moment a doctor must have replied by, counted
// from the patient's first message.
func ResponseDeadline(firstMessageAt time.Time, window time.Duration) time.Time {
	return firstMessageAt.Add(window)
}

// PromotionDue is when an answered call is treated as connected absent a
// client connect signal.
func PromotionDue(answeredAt time.Time, grace time.Duration) time.Time {
	return answeredAt.Add(grace)
}

// ElapsedSeconds is the whole seconds between from and now, never negative.
func ElapsedSeconds(from, now time.Time) int64 {
	d := now.Sub(from)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Remaining is the duration until deadline, clamped at zero.
func Remaining(deadline, now time.Time) time.Duration {
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Passed reports whether deadline is at or before now.
func Passed(deadline, now time.Time) bool {
	return !deadline.After(now)
}
