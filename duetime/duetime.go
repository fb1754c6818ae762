// Package duetime derives absolute task due times from message sent
// times. All comparisons strip timezone information and treat wall-clock
// values as local time, matching how due times were agreed with the
// business side; do not "fix" this with zone-aware arithmetic.
package duetime

import "time"

// Calculator computes creation-trigger dates and task due times from the
// configured offsets.
type Calculator struct {
	// CreateOffsetMonths and CreateOffsetDays shift the sent date to the
	// creation-trigger date.
	CreateOffsetMonths int
	CreateOffsetDays   int

	// DueWeeks shifts the creation-trigger date to the due date.
	DueWeeks int

	// Hour, Minute and Second set the clock of every due time.
	Hour   int
	Minute int
	Second int
}

// TriggerDate returns the creation-trigger date for a message: the sent
// date plus the creation offsets, normalized to local midnight. A message
// is eligible for processing once its trigger date is not after "now".
func (c Calculator) TriggerDate(sentAt time.Time) time.Time {
	shifted := sentAt.AddDate(0, c.CreateOffsetMonths, c.CreateOffsetDays)
	year, month, day := shifted.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.Local)
}

// DueTime returns the task due time in epoch milliseconds, as required by
// the DingTalk wire format. The candidate is the sent date plus creation
// and due offsets with the configured clock; the result is clamped so it
// is never earlier than tomorrow, guaranteeing at least one day of lead
// time however stale the triggering email is.
func (c Calculator) DueTime(sentAt, now time.Time) int64 {
	shifted := sentAt.AddDate(0, c.CreateOffsetMonths, c.CreateOffsetDays+7*c.DueWeeks)
	candidate := c.atClock(stripZone(shifted))

	tomorrow := stripZone(now).AddDate(0, 0, 1)
	effective := candidate
	if tomorrow.After(effective) {
		effective = tomorrow
	}

	return c.atClock(effective).UnixMilli()
}

// NextCutoff returns the next occurrence of the given daily cutoff in
// epoch milliseconds: today's cutoff when it is still ahead, otherwise
// tomorrow's. Used for escalation task due times.
func NextCutoff(now time.Time, hour, minute, second int) int64 {
	year, month, day := stripZone(now).Date()
	target := time.Date(year, month, day, hour, minute, second, 0, time.Local)
	if target.Before(stripZone(now)) {
		target = target.AddDate(0, 0, 1)
	}
	return target.UnixMilli()
}

func (c Calculator) atClock(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, c.Hour, c.Minute, c.Second, 0, time.Local)
}

// stripZone reinterprets the wall-clock fields of t as local time,
// discarding the original offset.
func stripZone(t time.Time) time.Time {
	year, month, day := t.Date()
	hour, minute, second := t.Clock()
	return time.Date(year, month, day, hour, minute, second, 0, time.Local)
}
