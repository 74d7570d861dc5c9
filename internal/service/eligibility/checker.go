package eligibility

import (
	"fmt"
	"strings"
	"time"

	"github.com/acme/call-routing/internal/domain"
)

// Rejection reasons reported when a candidate is not eligible.
const (
	ReasonInactive      = "inactive"
	ReasonOutsideHours  = "outside operating hours"
	ReasonBadTimeZone   = "outside operating hours (bad timezone)"
	ReasonNoDestination = "no destination configured"
)

// Checker decides whether a bidder or recipient may currently receive traffic.
// It holds no counters of its own; callers pass a fresh snapshot on every check.
type Checker struct {
	now func() time.Time
}

// NewChecker builds a checker using the wall clock.
func NewChecker() *Checker {
	return &Checker{now: time.Now}
}

// NewCheckerWithClock builds a checker reading time from now.
func NewCheckerWithClock(now func() time.Time) *Checker {
	if now == nil {
		now = time.Now
	}
	return &Checker{now: now}
}

// Check runs the eligibility rules in order and stops at the first failure.
func (c *Checker) Check(p domain.Profile, counters domain.Counters) (bool, string) {
	if !p.Active {
		return false, ReasonInactive
	}
	if limit := p.Capacity.DailyCap; limit > 0 && counters.Today >= limit {
		return false, fmt.Sprintf("daily cap reached (%d/%d)", counters.Today, limit)
	}
	if limit := p.Capacity.HourlyCap; limit > 0 && counters.ThisHour >= limit {
		return false, fmt.Sprintf("hourly cap reached (%d/%d)", counters.ThisHour, limit)
	}
	if limit := p.Capacity.ConcurrencyLimit; limit > 0 && counters.Active >= limit {
		return false, fmt.Sprintf("concurrency limit reached (%d/%d)", counters.Active, limit)
	}
	if !WithinSchedule(c.now().UTC(), p.Schedule) {
		if _, err := location(p.Schedule.TimeZone); err != nil {
			return false, ReasonBadTimeZone
		}
		return false, ReasonOutsideHours
	}
	if strings.TrimSpace(p.Destination) == "" {
		return false, ReasonNoDestination
	}
	return true, ""
}

// WithinSchedule reports whether nowUTC falls inside the schedule, evaluated in
// the schedule's time zone. A schedule without weekly windows is open on every
// day its overrides do not cover. An unknown time zone is always closed.
func WithinSchedule(nowUTC time.Time, s domain.Schedule) bool {
	if len(s.Windows) == 0 && len(s.Overrides) == 0 {
		return true
	}

	loc, err := location(s.TimeZone)
	if err != nil {
		return false
	}

	local := nowUTC.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()

	windows, allDay := windowsFor(s, local)
	if allDay {
		return true
	}
	for _, w := range windows {
		start, end := minutes(w.Start), minutes(w.End)
		if end <= start {
			if minuteOfDay >= start {
				return true
			}
			continue
		}
		if minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}

	// windows opened yesterday that run past midnight
	yesterday, _ := windowsFor(s, local.AddDate(0, 0, -1))
	for _, w := range yesterday {
		start, end := minutes(w.Start), minutes(w.End)
		if end <= start && minuteOfDay < end {
			return true
		}
	}

	return false
}

func location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// windowsFor returns the windows that apply on day. allDay is set when the
// schedule has no weekly windows and no override covers day.
func windowsFor(s domain.Schedule, day time.Time) (windows []domain.OperatingWindow, allDay bool) {
	for _, o := range s.Overrides {
		if sameDate(o.Date, day) {
			if o.Closed {
				return nil, false
			}
			return o.Windows, false
		}
	}

	if len(s.Windows) == 0 {
		return nil, true
	}
	for _, w := range s.Windows {
		if w.DayOfWeek == day.Weekday() {
			windows = append(windows, w)
		}
	}
	return windows, false
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func minutes(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
