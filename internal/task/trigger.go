package task

import (
	"fmt"
	"strings"
	"time"
)

type TriggerKind string

const (
	TriggerCalendar TriggerKind = "calendar"
	TriggerInterval TriggerKind = "interval"
	TriggerAtLogin  TriggerKind = "at-login"
	TriggerStartup  TriggerKind = "at-startup"
	TriggerOnDemand TriggerKind = "on-demand"
)

// MaxInterval bounds fixed-interval triggers.
const MaxInterval = 365 * 24 * time.Hour

// Calendar is a structured calendar schedule. A nil field is a wildcard.
type Calendar struct {
	Minute  *int
	Hour    *int
	Day     *int
	Weekday *int
	Month   *int

	// Raw holds a native expression that could not be mapped onto the
	// structured fields (cron ranges, steps, systemd calendar specs). Tasks
	// carrying one are reported but not re-serialized from the fields.
	Raw string
}

type Trigger struct {
	Kind     TriggerKind
	Calendar *Calendar
	Interval time.Duration

	// CalendarCount is the number of calendar entries found in native config
	// when more than one was present; only the first is kept structurally.
	CalendarCount int
}

func (t Trigger) clone() Trigger {
	cp := t
	if t.Calendar != nil {
		c := *t.Calendar
		c.Minute = copyInt(t.Calendar.Minute)
		c.Hour = copyInt(t.Calendar.Hour)
		c.Day = copyInt(t.Calendar.Day)
		c.Weekday = copyInt(t.Calendar.Weekday)
		c.Month = copyInt(t.Calendar.Month)
		cp.Calendar = &c
	}
	return cp
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Int returns a pointer to v, for building Calendar literals.
func Int(v int) *int { return &v }

// Daily returns a calendar trigger firing every day at hour:minute.
func Daily(hour, minute int) Trigger {
	return Trigger{Kind: TriggerCalendar, Calendar: &Calendar{Hour: Int(hour), Minute: Int(minute)}}
}

// Every returns a fixed-interval trigger.
func Every(d time.Duration) Trigger {
	return Trigger{Kind: TriggerInterval, Interval: d}
}

var weekdayNames = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

var monthNames = [...]string{"", "Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// Display renders the trigger for humans, e.g. "02:00", "Mon 09:30",
// "Every 5m0s".
func (t Trigger) Display() string {
	switch t.Kind {
	case TriggerCalendar:
		if t.Calendar == nil {
			return "Calendar"
		}
		s := t.Calendar.Display()
		if t.CalendarCount > 1 {
			s += fmt.Sprintf(" (+%d more)", t.CalendarCount-1)
		}
		return s
	case TriggerInterval:
		return "Every " + t.Interval.String()
	case TriggerAtLogin:
		return "At login"
	case TriggerStartup:
		return "At startup"
	case TriggerOnDemand, "":
		return "On demand"
	}
	return string(t.Kind)
}

func (c Calendar) Display() string {
	if c.Raw != "" {
		return c.Raw
	}
	var parts []string
	if c.Month != nil && *c.Month >= 1 && *c.Month <= 12 {
		parts = append(parts, monthNames[*c.Month])
	}
	if c.Day != nil {
		parts = append(parts, fmt.Sprintf("day %d", *c.Day))
	}
	if c.Weekday != nil && *c.Weekday >= 0 && *c.Weekday <= 6 {
		parts = append(parts, weekdayNames[*c.Weekday])
	}
	switch {
	case c.Hour != nil && c.Minute != nil:
		parts = append(parts, fmt.Sprintf("%02d:%02d", *c.Hour, *c.Minute))
	case c.Hour != nil:
		parts = append(parts, fmt.Sprintf("%02d:** (every minute)", *c.Hour))
	case c.Minute != nil:
		parts = append(parts, fmt.Sprintf("hourly at :%02d", *c.Minute))
	default:
		parts = append(parts, "every minute")
	}
	return strings.Join(parts, " ")
}
