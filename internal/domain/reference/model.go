package reference

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

// ID is a normalized patient or doctor identifier. The reference document
// mixes numeric and string identifiers, so both decode into an ID.
type ID string

// NormalizeID trims surrounding whitespace and strips leading zeros from
// all-digit identifiers so "007", " 7" and 7 compare equal.
func NormalizeID(raw string) ID {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return ID(s)
		}
	}
	s = strings.TrimLeft(s, "0")
	if s == "" {
		s = "0"
	}
	return ID(s)
}

func (id ID) String() string { return string(id) }

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = NormalizeID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = NormalizeID(n.String())
	return nil
}

type Appointment struct {
	Date       string `json:"date"`
	Time       string `json:"time"`
	Doctor     string `json:"doctor,omitempty"`
	Department string `json:"department,omitempty"`
	Location   string `json:"location,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Key identifies an appointment slot for deduplication.
func (a Appointment) Key() string {
	return strings.Join([]string{a.Date, a.Time, a.Doctor, a.Department, a.Location}, "|")
}

type Patient struct {
	ID                 ID                 `json:"id"`
	Name               string             `json:"name"`
	Age                int                `json:"age"`
	Gender             string             `json:"gender,omitempty"`
	HeightCm           *float64           `json:"heightCm,omitempty"`
	WeightKg           *float64           `json:"weightKg,omitempty"`
	Chronic            []string           `json:"chronic"`
	ActiveMedications  []string           `json:"activeMedications"`
	DrugAllergies      []string           `json:"drugAllergies,omitempty"`
	Allergies          []string           `json:"allergies,omitempty"`
	DoctorID           ID                 `json:"doctorId,omitempty"`
	Appointments       []Appointment      `json:"appointments,omitempty"`
	Email              string             `json:"email,omitempty"`
	Phone              string             `json:"phone,omitempty"`
	BirthYear          int                `json:"birthYear,omitempty"`
	Password           string             `json:"password,omitempty"`
	BloodAnalysis      map[string]float64 `json:"bloodAnalysis,omitempty"`
	AbnormalParameters []string           `json:"abnormalParameters,omitempty"`
	PastSurgeries      []string           `json:"pastSurgeries,omitempty"`
	Notes              string             `json:"notes,omitempty"`
}

// BMI returns the body-mass index. It is undefined unless both height and
// weight are present and positive.
func (p *Patient) BMI() (float64, bool) {
	if p == nil || p.HeightCm == nil || p.WeightKg == nil {
		return 0, false
	}
	h, w := *p.HeightCm, *p.WeightKg
	if h <= 0 || w <= 0 {
		return 0, false
	}
	m := h / 100
	return w / math.Pow(m, 2), true
}

// AllergyList returns drugAllergies, falling back to the legacy allergies
// field when drugAllergies is absent.
func (p *Patient) AllergyList() []string {
	if p.DrugAllergies != nil {
		return p.DrugAllergies
	}
	return p.Allergies
}

// Public returns a copy without credentials.
func (p *Patient) Public() *Patient {
	cp := *p
	cp.Password = ""
	return &cp
}

type Doctor struct {
	ID                ID            `json:"id"`
	Name              string        `json:"name"`
	Specialization    string        `json:"specialization,omitempty"`
	InstitutionID     string        `json:"institutionId,omitempty"`
	Email             string        `json:"email,omitempty"`
	Password          string        `json:"password,omitempty"`
	PatientsUnderCare []ID          `json:"patientsUnderCare"`
	Appointments      []Appointment `json:"appointments,omitempty"`
}

// UnmarshalJSON decodes a doctor and collapses care-set entries that
// normalize to the same id, so [1, "01"] lists patient 1 once.
func (d *Doctor) UnmarshalJSON(b []byte) error {
	type plain Doctor
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*d = Doctor(v)
	d.PatientsUnderCare = d.CareSet()
	return nil
}

// CareSet returns the distinct, non-empty patient ids under care in their
// original order.
func (d *Doctor) CareSet() []ID {
	if d == nil {
		return nil
	}
	seen := make(map[ID]bool, len(d.PatientsUnderCare))
	out := make([]ID, 0, len(d.PatientsUnderCare))
	for _, id := range d.PatientsUnderCare {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Assigned reports whether the patient is in the doctor's care set.
func (d *Doctor) Assigned(id ID) bool {
	if d == nil {
		return false
	}
	for _, pid := range d.PatientsUnderCare {
		if pid == id {
			return true
		}
	}
	return false
}

func (d *Doctor) Public() *Doctor {
	cp := *d
	cp.Password = ""
	return &cp
}

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ParseRisk maps free text onto a risk level, defaulting to low.
func ParseRisk(s string) Risk {
	switch Risk(strings.ToLower(strings.TrimSpace(s))) {
	case RiskHigh:
		return RiskHigh
	case RiskMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

type DrugInteractionRule struct {
	A      string `json:"a"`
	B      string `json:"b"`
	Risk   string `json:"risk,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Data is the whole reference document. The zero value is a valid empty
// dataset.
type Data struct {
	Patients         []Patient             `json:"patients"`
	Doctors          []Doctor              `json:"doctors"`
	DrugInteractions []DrugInteractionRule `json:"drugInteractions"`
}

func (d *Data) FindPatient(id ID) (*Patient, bool) {
	if d == nil || id == "" {
		return nil, false
	}
	for i := range d.Patients {
		if d.Patients[i].ID == id {
			return &d.Patients[i], true
		}
	}
	return nil, false
}

func (d *Data) FindDoctor(id ID) (*Doctor, bool) {
	if d == nil || id == "" {
		return nil, false
	}
	for i := range d.Doctors {
		if d.Doctors[i].ID == id {
			return &d.Doctors[i], true
		}
	}
	return nil, false
}

// Rules returns the interaction rules, or nil for a nil dataset.
func (d *Data) Rules() []DrugInteractionRule {
	if d == nil {
		return nil
	}
	return d.DrugInteractions
}
