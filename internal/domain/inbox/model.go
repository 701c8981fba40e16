// Package inbox merges a patient's messages, lab orders and appointments into
// one ordered feed and keeps open dashboards current when those logs change.
package inbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/medora/healthalert/internal/domain/eventlog"
	"github.com/medora/healthalert/internal/domain/reference"
)

type ItemType string

const (
	TypeAll         ItemType = "all"
	TypeMessage     ItemType = "message"
	TypeLabOrder    ItemType = "lab-order"
	TypeAppointment ItemType = "appointment"
)

// ParseItemType accepts "", "all" and the three item types.
func ParseItemType(s string) (ItemType, error) {
	switch t := ItemType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", TypeAll:
		return TypeAll, nil
	case TypeMessage, TypeLabOrder, TypeAppointment:
		return t, nil
	default:
		return "", fmt.Errorf("unknown feed type %q", s)
	}
}

// NotificationItem is one normalized feed entry. Timestamp is the raw value
// as stored; At is the instant it sorts by.
type NotificationItem struct {
	ID          string       `json:"id"`
	Type        ItemType     `json:"type"`
	Timestamp   string       `json:"timestamp"`
	At          time.Time    `json:"at"`
	Text        string       `json:"text"`
	Author      string       `json:"author"`
	PatientID   reference.ID `json:"patientId,omitempty"`
	PatientName string       `json:"patientName,omitempty"`
}

// Logs are the three feed-bearing logs of one subject.
type Logs struct {
	Messages     []eventlog.Message
	LabOrders    []eventlog.LabOrder
	Appointments []eventlog.Appointment
}

// SubjectLogs pairs a patient with their logs for a doctor feed.
type SubjectLogs struct {
	PatientID   reference.ID
	PatientName string
	Logs        Logs
}

type Viewer int

const (
	ViewerPatient Viewer = iota
	ViewerDoctor
)

type Order string

const (
	Ascending  Order = "asc"
	Descending Order = "desc"
)

// ParseOrder maps "asc" or "ascending" to Ascending and "desc" or
// "descending" to Descending, case-insensitively. Anything else is def.
func ParseOrder(s string, def Order) Order {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc", "ascending":
		return Ascending
	case "desc", "descending":
		return Descending
	default:
		return def
	}
}

// FeedOptions control one aggregation. Now is the single instant unparsable
// timestamps sort as; the zero value means time.Now at call time.
type FeedOptions struct {
	Viewer      Viewer
	Order       Order
	Now         time.Time
	PatientName string
}

// FeedQuery is what a client asks for.
type FeedQuery struct {
	Order Order
	Type  ItemType
}
