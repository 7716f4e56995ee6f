package dazee

import (
	"strconv"
	"strings"
	"time"
)

// ComputeNextRun calculates the next UTC unix timestamp for a schedule
// string. Two shapes are accepted:
//
//   - a Go duration ("30m", "24h"): fires that long from now, repeating;
//   - "HH:MM <recurrence>": clock-of-day schedules where recurrence is one of
//     once, daily, weekly(monday), custom(mon,wed,fri) or monthly(15).
//
// The bare string "once" fires immediately. Clock times are in the user's
// local timezone; tzOffset is the offset from UTC in whole hours. The
// returned timestamp is always UTC.
func ComputeNextRun(schedule string, nowUnix int64, tzOffset int) (int64, bool) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "once" {
		return nowUnix, true
	}
	if d, err := time.ParseDuration(schedule); err == nil && d > 0 {
		return nowUnix + int64(d/time.Second), true
	}

	clock, recurrence, ok := splitClockSchedule(schedule)
	if !ok {
		return 0, false
	}
	loc := time.FixedZone("local", tzOffset*3600)
	now := time.Unix(nowUnix, 0).In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), clock.hour, clock.minute, 0, 0, loc)

	switch {
	case recurrence == "once" || recurrence == "daily":
		if !today.After(now) {
			today = today.AddDate(0, 0, 1)
		}
		return today.Unix(), true

	case strings.HasPrefix(recurrence, "weekly(") && strings.HasSuffix(recurrence, ")"):
		day, ok := parseWeekday(recurrence[len("weekly(") : len(recurrence)-1])
		if !ok {
			return 0, false
		}
		return nextWeekday(now, today, []time.Weekday{day}).Unix(), true

	case strings.HasPrefix(recurrence, "custom(") && strings.HasSuffix(recurrence, ")"):
		var days []time.Weekday
		for _, name := range strings.Split(recurrence[len("custom("):len(recurrence)-1], ",") {
			day, ok := parseWeekday(name)
			if !ok {
				return 0, false
			}
			days = append(days, day)
		}
		if len(days) == 0 {
			return 0, false
		}
		return nextWeekday(now, today, days).Unix(), true

	case strings.HasPrefix(recurrence, "monthly(") && strings.HasSuffix(recurrence, ")"):
		dom := parseClockInt(recurrence[len("monthly(") : len(recurrence)-1])
		if dom < 1 || dom > 31 {
			return 0, false
		}
		t := time.Date(now.Year(), now.Month(), dom, clock.hour, clock.minute, 0, 0, loc)
		if !t.After(now) {
			t = time.Date(now.Year(), now.Month()+1, dom, clock.hour, clock.minute, 0, 0, loc)
		}
		return t.Unix(), true
	}
	return 0, false
}

// scheduleIsOnce reports whether a schedule fires a single time: the bare
// "once" or a clock schedule with the once recurrence.
func scheduleIsOnce(schedule string) bool {
	schedule = strings.TrimSpace(schedule)
	if schedule == "once" {
		return true
	}
	parts := strings.SplitN(schedule, " ", 2)
	return len(parts) == 2 && strings.TrimSpace(parts[1]) == "once"
}

// FormatLocalTime formats a UTC unix timestamp as "YYYY-MM-DD HH:MM" in the
// timezone given by tzOffset (hours from UTC).
func FormatLocalTime(unix int64, tzOffset int) string {
	loc := time.FixedZone("local", tzOffset*3600)
	return time.Unix(unix, 0).In(loc).Format("2006-01-02 15:04")
}

// --- schedule helpers ---

type clockTime struct {
	hour, minute int
}

// splitClockSchedule parses the "HH:MM <recurrence>" shape.
func splitClockSchedule(s string) (clockTime, string, bool) {
	parts := strings.SplitN(s, " ", 2)
	if len(parts) != 2 {
		return clockTime{}, "", false
	}
	hm := strings.Split(parts[0], ":")
	if len(hm) != 2 {
		return clockTime{}, "", false
	}
	hour, minute := parseClockInt(hm[0]), parseClockInt(hm[1])
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return clockTime{}, "", false
	}
	return clockTime{hour: hour, minute: minute}, strings.TrimSpace(parts[1]), true
}

func parseClockInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return n
}

// nextWeekday returns the earliest occurrence of target's clock time on one
// of the given weekdays, strictly after now.
func nextWeekday(now, target time.Time, days []time.Weekday) time.Time {
	var best time.Time
	for _, d := range days {
		ahead := (int(d) - int(target.Weekday()) + 7) % 7
		t := target.AddDate(0, 0, ahead)
		if !t.After(now) {
			t = t.AddDate(0, 0, 7)
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	return best
}

func parseWeekday(name string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday", "sun":
		return time.Sunday, true
	case "monday", "mon":
		return time.Monday, true
	case "tuesday", "tue":
		return time.Tuesday, true
	case "wednesday", "wed":
		return time.Wednesday, true
	case "thursday", "thu":
		return time.Thursday, true
	case "friday", "fri":
		return time.Friday, true
	case "saturday", "sat":
		return time.Saturday, true
	}
	return 0, false
}
