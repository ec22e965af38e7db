package campaign

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is how often a scheduled campaign runs
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Schedule describes when a campaign is dispatched automatically. Only the
// clock part of Time is used.
type Schedule struct {
	StartTime    *time.Time `json:"startTime,omitempty"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Time         time.Time  `json:"time"`
	Frequency    Frequency  `json:"frequency"`
	DayFrequency int        `json:"dayFrequency,omitempty"`
	DayOfWeek    []string   `json:"dayOfWeek,omitempty"`
	DayOfMonth   int        `json:"dayOfMonth,omitempty"`
}

// Validate checks the schedule is complete for its frequency
func (s *Schedule) Validate() error {
	switch s.Frequency {
	case Daily:
		if s.DayFrequency < 1 {
			return &ValidationError{Kind: KindInvalidSchedule, Name: "dayFrequency must be at least 1"}
		}
	case Weekly:
		if len(s.DayOfWeek) == 0 {
			return &ValidationError{Kind: KindInvalidSchedule, Name: "dayOfWeek is required for weekly schedules"}
		}
		for _, d := range s.DayOfWeek {
			if _, ok := weekdays[strings.ToLower(d)]; !ok {
				return &ValidationError{Kind: KindInvalidSchedule, Name: fmt.Sprintf("unknown day %q", d)}
			}
		}
	case Monthly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return &ValidationError{Kind: KindInvalidSchedule, Name: "dayOfMonth must be between 1 and 31"}
		}
	default:
		return &ValidationError{Kind: KindInvalidSchedule, Name: fmt.Sprintf("unknown frequency %q", s.Frequency)}
	}

	if s.StartTime != nil && s.EndTime != nil && s.EndTime.Before(*s.StartTime) {
		return &ValidationError{Kind: KindInvalidSchedule, Name: "endTime is before startTime"}
	}
	return nil
}

// Due reports whether a run should happen at now, given the time of the last
// scheduled run (nil when it never ran).
func (s *Schedule) Due(last *time.Time, now time.Time) bool {
	if s.EndTime != nil && now.After(*s.EndTime) {
		return false
	}
	slot, ok := s.previous(now)
	if !ok {
		return false
	}
	if s.StartTime != nil && slot.Before(*s.StartTime) {
		return false
	}
	return last == nil || last.Before(slot)
}

// previous returns the latest slot at or before now
func (s *Schedule) previous(now time.Time) (time.Time, bool) {
	loc := s.Time.Location()
	now = now.In(loc)
	at := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), s.Time.Hour(), s.Time.Minute(), 0, 0, loc)
	}

	if s.Frequency == Daily {
		anchorDay := s.Time
		if s.StartTime != nil {
			anchorDay = s.StartTime.In(loc)
		}
		anchor := at(anchorDay)
		if now.Before(anchor) {
			return time.Time{}, false
		}
		n := s.DayFrequency
		if n < 1 {
			n = 1
		}
		k := calendarDays(anchor, now) / n
		slot := at(anchor.AddDate(0, 0, k*n))
		if slot.After(now) {
			slot = at(anchor.AddDate(0, 0, (k-1)*n))
		}
		return slot, true
	}

	// weekly and monthly slots recur within two months
	for d := 0; d <= 62; d++ {
		slot := at(now.AddDate(0, 0, -d))
		if slot.After(now) {
			continue
		}
		if s.matches(slot) {
			return slot, true
		}
	}
	return time.Time{}, false
}

// calendarDays counts date boundaries between from and to in from's zone,
// so days shortened or lengthened by DST still count as one
func calendarDays(from, to time.Time) int {
	y1, m1, d1 := from.Date()
	y2, m2, d2 := to.In(from.Location()).Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

func (s *Schedule) matches(day time.Time) bool {
	switch s.Frequency {
	case Weekly:
		for _, name := range s.DayOfWeek {
			if wd, ok := weekdays[strings.ToLower(name)]; ok && wd == day.Weekday() {
				return true
			}
		}
	case Monthly:
		return day.Day() == s.DayOfMonth
	}
	return false
}
