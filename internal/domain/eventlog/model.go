package eventlog

import (
	"github.com/medora/healthalert/internal/domain/reference"
)

// Kind names one per-subject log.
type Kind string

const (
	KindMessages     Kind = "messages"
	KindLabOrders    Kind = "labOrders"
	KindAppointments Kind = "patientAppointments"
	KindAllergies    Kind = "patientAllergies"
)

// KindProfile holds a single JSON object rather than a list, so it is not
// one of Kinds and Append rejects it.
const KindProfile Kind = "patientProfile"

// Kinds lists every list-valued log in a stable order.
var Kinds = []Kind{KindMessages, KindLabOrders, KindAppointments, KindAllergies}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Key returns the storage key for a subject's log, e.g. "messages:12".
func Key(subject reference.ID, kind Kind) string {
	return string(kind) + ":" + string(subject)
}

// Message is a note between a doctor and a patient. A doctor-authored
// message carries FromDoctorID/FromDoctorName; a patient-authored one
// carries FromPatientID/ToDoctorID.
type Message struct {
	ID             string       `json:"id,omitempty"`
	ToPatientID    reference.ID `json:"toPatientId,omitempty"`
	FromDoctorID   reference.ID `json:"fromDoctorId,omitempty"`
	FromDoctorName string       `json:"fromDoctorName,omitempty"`
	FromPatientID  reference.ID `json:"fromPatientId,omitempty"`
	ToDoctorID     reference.ID `json:"toDoctorId,omitempty"`
	Text           string       `json:"text"`
	CreatedAt      string       `json:"createdAt"`
}

func (m Message) FromDoctor() bool {
	return m.FromDoctorID != "" || m.FromDoctorName != ""
}

type LabOrder struct {
	ID            string       `json:"id,omitempty"`
	Tests         []string     `json:"tests"`
	OrderedAt     string       `json:"orderedAt"`
	OrderedBy     reference.ID `json:"orderedBy,omitempty"`
	OrderedByName string       `json:"orderedByName,omitempty"`
}

type Appointment struct {
	ID string `json:"id,omitempty"`
	reference.Appointment
	CreatedAt string `json:"createdAt,omitempty"`
}
