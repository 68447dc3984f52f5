package backup

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ostrand/backupd/internal/model"
)

// NextRun derives the next trigger time from a schedule description.
// Daily/weekly/monthly frequencies fire at the configured wall-clock
// time in now's location; custom frequencies evaluate the raw 5-field
// cron expression.
func NextRun(now time.Time, sched model.Schedule) (time.Time, error) {
	switch sched.Frequency {
	case model.FrequencyDaily:
		hour, minute, err := parseTimeOfDay(sched.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case model.FrequencyWeekly:
		hour, minute, err := parseTimeOfDay(sched.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		if sched.DayOfWeek < 0 || sched.DayOfWeek > 6 {
			return time.Time{}, fmt.Errorf("invalid day of week %d", sched.DayOfWeek)
		}
		days := (sched.DayOfWeek - int(now.Weekday()) + 7) % 7
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()).AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	case model.FrequencyMonthly:
		hour, minute, err := parseTimeOfDay(sched.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		day := sched.DayOfMonth
		if day < 1 || day > 31 {
			return time.Time{}, fmt.Errorf("invalid day of month %d", day)
		}
		next := monthlyAt(now.Year(), now.Month(), day, hour, minute, now.Location())
		if !next.After(now) {
			next = monthlyAt(now.Year(), now.Month()+1, day, hour, minute, now.Location())
		}
		return next, nil

	case model.FrequencyCustom:
		cron, err := parseCron(sched.Expression)
		if err != nil {
			return time.Time{}, err
		}
		next, ok := cron.next(now)
		if !ok {
			return time.Time{}, fmt.Errorf("cron expression %q never fires", sched.Expression)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unsupported frequency %q", sched.Frequency)
	}
}

// monthlyAt clamps the day to the target month's length, so a
// day-31 schedule fires on the last day of shorter months.
func monthlyAt(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, fmt.Errorf("missing time of day")
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time of day %q", s)
	}
	return hour, minute, nil
}

// cronSchedule is a parsed 5-field cron expression
// (minute hour day-of-month month day-of-week).
type cronSchedule struct {
	minute, hour, dom, month, dow map[int]bool
	domStar, dowStar              bool
}

func parseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression %q: expected 5 fields, got %d", expr, len(fields))
	}

	c := &cronSchedule{
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}
	var err error
	if c.minute, err = parseCronField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("cron minute field: %w", err)
	}
	if c.hour, err = parseCronField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("cron hour field: %w", err)
	}
	if c.dom, err = parseCronField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("cron day-of-month field: %w", err)
	}
	if c.month, err = parseCronField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("cron month field: %w", err)
	}
	if c.dow, err = parseCronField(fields[4], 0, 7); err != nil {
		return nil, fmt.Errorf("cron day-of-week field: %w", err)
	}
	// Cron allows 7 for Sunday alongside 0.
	if c.dow[7] {
		c.dow[0] = true
	}
	return c, nil
}

// parseCronField expands a field supporting "*", "*/step", lists,
// ranges, and plain numbers into the set of matching values.
func parseCronField(field string, min, max int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s < 1 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			step = s
			part = part[:idx]
		}

		lo, hi := min, max
		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if lo, err = strconv.Atoi(bounds[0]); err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			if hi, err = strconv.Atoi(bounds[1]); err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", part)
			}
			lo, hi = n, n
		}

		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("value out of range in %q", part)
		}
		for v := lo; v <= hi; v += step {
			set[v] = true
		}
	}
	return set, nil
}

// next returns the first trigger time strictly after the given instant.
// The scan is bounded to four years, which covers any satisfiable
// expression including Feb 29.
func (c *cronSchedule) next(after time.Time) (time.Time, bool) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.AddDate(4, 0, 1)

	for ; t.Before(limit); t = t.Add(time.Minute) {
		if !c.month[int(t.Month())] {
			// Jump to the first minute of the next month.
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location()).Add(-time.Minute)
			continue
		}
		if !c.matchesDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 0, 0, t.Location())
			continue
		}
		if !c.hour[t.Hour()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 59, 0, 0, t.Location())
			continue
		}
		if c.minute[t.Minute()] {
			return t, true
		}
	}
	return time.Time{}, false
}

// matchesDay applies the standard cron rule: when both day fields are
// restricted, either may match; otherwise both must.
func (c *cronSchedule) matchesDay(t time.Time) bool {
	domMatch := c.dom[t.Day()]
	dowMatch := c.dow[int(t.Weekday())]
	if !c.domStar && !c.dowStar {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}
