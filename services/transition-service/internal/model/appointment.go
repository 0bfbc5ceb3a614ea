package model

import (
	"strings"
	"time"
)

// Document keys written by the booking flow.
const (
	FieldDate      = "date"
	FieldStartTime = "start_time"
	FieldEndTime   = "end_time"
)

// Dates are day/month/year with 24h clock times. Single digit day and month
// values are accepted on read; writes always use the zero padded form.
const (
	parseLayout = "2/1/2006 15:04"
	DateLayout  = "02/01/2006"
	ClockLayout = "15:04"
)

// Epoch is the instant assigned to a date/time that cannot be parsed, which
// makes a corrupt record look long elapsed.
var Epoch = time.Unix(0, 0).UTC()

type Appointment struct {
	ID        string
	UserID    string
	Category  Category
	Date      string
	StartTime string
	EndTime   string
	// Payload holds every other document field (mentor, mentee, notes...)
	// and is written back untouched when the appointment moves.
	Payload map[string]any
}

// FromDocument decodes a store document. Non-string date/time fields are
// kept as empty strings and later resolve to Epoch.
func FromDocument(userID string, category Category, id string, doc map[string]any) Appointment {
	appt := Appointment{
		ID:       id,
		UserID:   userID,
		Category: category,
		Payload:  make(map[string]any, len(doc)),
	}
	for k, v := range doc {
		switch k {
		case FieldDate:
			appt.Date, _ = v.(string)
		case FieldStartTime:
			appt.StartTime, _ = v.(string)
		case FieldEndTime:
			appt.EndTime, _ = v.(string)
		default:
			appt.Payload[k] = v
		}
	}
	return appt
}

// Document is the inverse of FromDocument.
func (a Appointment) Document() map[string]any {
	doc := make(map[string]any, len(a.Payload)+3)
	for k, v := range a.Payload {
		doc[k] = v
	}
	doc[FieldDate] = a.Date
	doc[FieldStartTime] = a.StartTime
	doc[FieldEndTime] = a.EndTime
	return doc
}

// Window returns the absolute start and end instants of the appointment in loc.
// If either bound fails to parse, both are Epoch so the appointment reads as
// elapsed and never as in progress.
func (a Appointment) Window(loc *time.Location) (start, end time.Time) {
	start, okStart := InstantAt(a.Date, a.StartTime, loc)
	end, okEnd := InstantAt(a.Date, a.EndTime, loc)
	if !okStart || !okEnd {
		return Epoch, Epoch
	}
	return start, end
}

// InstantAt combines a date and a time of day. On failure it returns Epoch and
// false; callers never see the parse error.
func InstantAt(date, clock string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(parseLayout, strings.TrimSpace(date)+" "+strings.TrimSpace(clock), loc)
	if err != nil {
		return Epoch, false
	}
	return t, true
}

// MoveOp relocates one appointment between two categories of the same user.
type MoveOp struct {
	UserID      string
	From        Category
	To          Category
	Appointment Appointment
}

// Snapshot is a point-in-time read of all of a user's categorized appointments.
type Snapshot struct {
	UserID     string
	Categories map[Category][]Appointment
}

func (s Snapshot) Upcoming() []Appointment { return s.Categories[CategoryUpcoming] }

func (s Snapshot) Progress() []Appointment { return s.Categories[CategoryProgress] }

func (s Snapshot) Feedback() []Appointment { return s.Categories[CategoryFeedback] }

func (s Snapshot) Len() int {
	n := 0
	for _, appts := range s.Categories {
		n += len(appts)
	}
	return n
}
