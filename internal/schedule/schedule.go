// Package schedule implements the timezone-aware next-event computation,
// missed-event reconciliation, and pump duty-cycle superimposition of spec
// §4.3 (C3).
//
// Grounded on the ticker-driven loop shape of Tutu's infra/scheduler and
// health.Checker (injectable clock, context-cancellable Run loop), applied
// to a pure, easily-tested predicate/next-event core.
package schedule

import (
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

func minuteOfDay(h, m int) int { return h*60 + m }

// IsOn evaluates spec §4.3's "currently on" predicate at localNow, a time
// already converted into the schedule's configured timezone.
func IsOn(localNow time.Time, cfg domain.ScheduleConfig) bool {
	now := minuteOfDay(localNow.Hour(), localNow.Minute())
	on := minuteOfDay(cfg.OnHour, cfg.OnMinute)
	off := minuteOfDay(cfg.OffHour, cfg.OffMinute)

	if on < off {
		return now >= on && now < off
	}
	// Overnight schedule.
	return now >= on || now < off
}

// Location resolves cfg's IANA timezone, defaulting to UTC on error so the
// engine never blocks on a bad config value.
func Location(cfg domain.ScheduleConfig) *time.Location {
	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CurrentlyOn is IsOn applied to nowUTC converted into cfg's timezone.
func CurrentlyOn(nowUTC time.Time, cfg domain.ScheduleConfig) bool {
	return IsOn(nowUTC.In(Location(cfg)), cfg)
}

// nextLocalClockTime returns the next UTC instant at which the local clock
// reads hour:minute, strictly after nowUTC when atOrAfter is false, or at-or
// -after when true. NextOn and NextOff both pass false.
func nextLocalClockTime(nowUTC time.Time, loc *time.Location, hour, minute int, atOrAfter bool) time.Time {
	localNow := nowUTC.In(loc)
	candidate := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), hour, minute, 0, 0, loc)
	if atOrAfter {
		if candidate.Before(localNow) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	} else {
		if !candidate.After(localNow) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	}
	return candidate.UTC()
}

// NextOn returns the next UTC instant the schedule turns the light on.
func NextOn(nowUTC time.Time, cfg domain.ScheduleConfig) time.Time {
	return nextLocalClockTime(nowUTC, Location(cfg), cfg.OnHour, cfg.OnMinute, false)
}

// NextOff returns the next UTC instant the schedule turns the light off.
func NextOff(nowUTC time.Time, cfg domain.ScheduleConfig) time.Time {
	return nextLocalClockTime(nowUTC, Location(cfg), cfg.OffHour, cfg.OffMinute, false)
}

// Reconcile implements spec §4.3's missed-event collapse: if the predicate
// differs between lastSeenUTC and nowUTC, exactly one correction is
// reported carrying the target state; otherwise ok is false. last_seen >=
// now is a no-op.
func Reconcile(lastSeenUTC, nowUTC time.Time, cfg domain.ScheduleConfig) (wantOn bool, ok bool) {
	if !lastSeenUTC.Before(nowUTC) {
		return false, false
	}
	before := CurrentlyOn(lastSeenUTC, cfg)
	now := CurrentlyOn(nowUTC, cfg)
	if before == now {
		return false, false
	}
	return now, true
}

// PumpOn evaluates spec §4.3's superimposed duty cycle: the pump is on iff
// (minutes since anchorUTC) mod period < on-duration, independent of light
// state.
func PumpOn(nowUTC, anchorUTC time.Time, params domain.PumpCycleParams) bool {
	p := params.Normalize()
	if p.PeriodMinutes <= 0 {
		return false
	}
	elapsedMinutes := int64(nowUTC.Sub(anchorUTC) / time.Minute)
	mod := elapsedMinutes % int64(p.PeriodMinutes)
	if mod < 0 {
		mod += int64(p.PeriodMinutes)
	}
	return mod < int64(p.OnDurationMinutes)
}
