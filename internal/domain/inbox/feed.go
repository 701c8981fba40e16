package inbox

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/medora/healthalert/internal/domain/eventlog"
	"github.com/medora/healthalert/internal/domain/reference"
)

const systemAuthor = "system"

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
	"02.01.2006 15:04",
	"02.01.2006",
}

// ParseTimestamp tries RFC 3339 first and then common date layouts, all in
// UTC. It reports false when nothing matches.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func instant(raw string, now time.Time) time.Time {
	if t, ok := ParseTimestamp(raw); ok {
		return t
	}
	return now
}

// BuildFeed normalizes one subject's logs into feed items ordered by
// opts.Order. Items with equal instants keep log order (messages, then lab
// orders, then appointments).
func BuildFeed(subject reference.ID, logs Logs, opts FeedOptions) []NotificationItem {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	items := make([]NotificationItem, 0, len(logs.Messages)+len(logs.LabOrders)+len(logs.Appointments))
	for i, m := range logs.Messages {
		items = append(items, NotificationItem{
			ID:        itemID(m.ID, eventlog.KindMessages, subject, i),
			Type:      TypeMessage,
			Timestamp: m.CreatedAt,
			At:        instant(m.CreatedAt, now),
			Text:      m.Text,
			Author:    messageAuthor(m, opts),
		})
	}
	for i, o := range logs.LabOrders {
		items = append(items, NotificationItem{
			ID:        itemID(o.ID, eventlog.KindLabOrders, subject, i),
			Type:      TypeLabOrder,
			Timestamp: o.OrderedAt,
			At:        instant(o.OrderedAt, now),
			Text:      "Lab order: " + strings.Join(o.Tests, ", "),
			Author:    systemAuthor,
		})
	}
	for i, a := range logs.Appointments {
		ts := strings.TrimSpace(a.Date + " " + a.Time)
		items = append(items, NotificationItem{
			ID:        itemID(a.ID, eventlog.KindAppointments, subject, i),
			Type:      TypeAppointment,
			Timestamp: ts,
			At:        instant(ts, now),
			Text:      appointmentText(a.Appointment),
			Author:    systemAuthor,
		})
	}

	sortItems(items, opts.Order)
	return items
}

// BuildDoctorFeed is the union of the per-patient feeds, each item tagged
// with its patient, sorted by the same rule as BuildFeed.
func BuildDoctorFeed(subjects []SubjectLogs, opts FeedOptions) []NotificationItem {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	order := opts.Order
	opts.Viewer = ViewerDoctor
	opts.Order = Ascending

	var items []NotificationItem
	for _, s := range subjects {
		opts.PatientName = s.PatientName
		for _, it := range BuildFeed(s.PatientID, s.Logs, opts) {
			it.PatientID = s.PatientID
			it.PatientName = s.PatientName
			items = append(items, it)
		}
	}
	if items == nil {
		items = []NotificationItem{}
	}
	sortItems(items, order)
	return items
}

// Filter keeps the items of type t in their relative order. TypeAll and the
// empty type return items unchanged.
func Filter(items []NotificationItem, t ItemType) []NotificationItem {
	if t == "" || t == TypeAll {
		return items
	}
	out := make([]NotificationItem, 0, len(items))
	for _, it := range items {
		if it.Type == t {
			out = append(out, it)
		}
	}
	return out
}

// sortItems sorts ascending and stable; Descending is the exact reverse of
// that order.
func sortItems(items []NotificationItem, order Order) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].At.Before(items[j].At) })
	if order == Descending {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
}

func itemID(id string, kind eventlog.Kind, subject reference.ID, idx int) string {
	if id != "" {
		return id
	}
	return fmt.Sprintf("%s:%s:%d", kind, subject, idx)
}

func messageAuthor(m eventlog.Message, opts FeedOptions) string {
	if m.FromDoctor() {
		if m.FromDoctorName == "" {
			return "doctor"
		}
		return "Dr. " + strings.TrimPrefix(m.FromDoctorName, "Dr. ")
	}
	if opts.Viewer == ViewerPatient {
		return "you"
	}
	if opts.PatientName != "" {
		return opts.PatientName
	}
	return "patient"
}

func appointmentText(a reference.Appointment) string {
	text := strings.TrimSpace("Follow-up: " + a.Date + " " + a.Time)
	if a.Department != "" {
		text += " (" + a.Department + ")"
	}
	return text
}

// UpcomingAppointments merges reference and logged appointments, drops
// duplicate slots (first seen wins) and sorts by date and time. With
// futureOnly, slots before now are dropped; unparsable slots are kept and
// sort as now.
func UpcomingAppointments(baseline []reference.Appointment, local []eventlog.Appointment, now time.Time, futureOnly bool) []reference.Appointment {
	type slot struct {
		appt reference.Appointment
		at   time.Time
	}
	seen := make(map[string]bool, len(baseline)+len(local))
	var slots []slot
	add := func(a reference.Appointment) {
		if seen[a.Key()] {
			return
		}
		seen[a.Key()] = true
		at := instant(strings.TrimSpace(a.Date+" "+a.Time), now)
		if futureOnly && at.Before(now) {
			return
		}
		slots = append(slots, slot{appt: a, at: at})
	}
	for _, a := range baseline {
		add(a)
	}
	for _, a := range local {
		add(a.Appointment)
	}

	sort.SliceStable(slots, func(i, j int) bool { return slots[i].at.Before(slots[j].at) })
	out := make([]reference.Appointment, len(slots))
	for i, s := range slots {
		out[i] = s.appt
	}
	return out
}
