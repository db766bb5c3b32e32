package task

import (
	"testing"
	"time"
)

func TestTriggerDisplay(t *testing.T) {
	t.Parallel()
	weekly := Trigger{Kind: TriggerCalendar, Calendar: &Calendar{Weekday: Int(1), Hour: Int(9), Minute: Int(30)}}
	multi := Daily(2, 0)
	multi.CalendarCount = 3
	tests := []struct {
		name string
		tr   Trigger
		want string
	}{
		{"daily", Daily(2, 0), "02:00"},
		{"weekly", weekly, "Mon 09:30"},
		{"interval", Every(5 * time.Minute), "Every 5m0s"},
		{"login", Trigger{Kind: TriggerAtLogin}, "At login"},
		{"startup", Trigger{Kind: TriggerStartup}, "At startup"},
		{"on demand", Trigger{Kind: TriggerOnDemand}, "On demand"},
		{"multiple entries", multi, "02:00 (+2 more)"},
		{"raw", Trigger{Kind: TriggerCalendar, Calendar: &Calendar{Raw: "*/15 * * * *"}}, "*/15 * * * *"},
		{"hourly", Trigger{Kind: TriggerCalendar, Calendar: &Calendar{Minute: Int(5)}}, "hourly at :05"},
		{"every minute", Trigger{Kind: TriggerCalendar, Calendar: &Calendar{}}, "every minute"},
		{"monthly", Trigger{Kind: TriggerCalendar, Calendar: &Calendar{Month: Int(3), Day: Int(15), Hour: Int(8), Minute: Int(0)}}, "Mar day 15 08:00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tr.Display(); got != tt.want {
				t.Fatalf("Display() = %q, want %q", got, tt.want)
			}
		})
	}
}
