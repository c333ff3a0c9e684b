package calendar

import (
	"strings"
	"time"

	"calconnect-go/internal/provider"
)

const titleSuffix = " - Surgical Technique Review"

// ReminderMinutes are the popup reminders on every review event: a day and an hour before.
var ReminderMinutes = []int{1440, 60}

// EventTitle is the calendar summary for a review of title.
func EventTitle(title string) string {
	return title + titleSuffix
}

// buildDescription renders the plain-text event body. Notes are embedded
// verbatim; adapters escape them for the provider's format.
func buildDescription(r *Resource, notes string) string {
	var b strings.Builder
	b.WriteString("Surgical technique review: ")
	b.WriteString(r.Title)
	b.WriteString("\n")
	if r.URL != "" {
		b.WriteString(r.URL)
		b.WriteString("\n")
	}
	if notes != "" {
		b.WriteString("\nNotes:\n")
		b.WriteString(notes)
		b.WriteString("\n")
	}
	return b.String()
}

func buildPayload(r *Resource, start time.Time, duration time.Duration, loc *time.Location, notes string) provider.EventPayload {
	return provider.EventPayload{
		Title:           EventTitle(r.Title),
		Description:     buildDescription(r, notes),
		Start:           start.In(loc),
		End:             start.Add(duration).In(loc),
		TimeZone:        loc.String(),
		ReminderMinutes: append([]int(nil), ReminderMinutes...),
		SourceTitle:     r.Title,
		SourceURL:       r.URL,
	}
}
