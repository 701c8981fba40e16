// Package portal projects reference records, event logs and rule engine
// output into the role-scoped views behind the patient and doctor
// dashboards.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/domain/cds"
	"github.com/medora/healthalert/internal/domain/eventlog"
	"github.com/medora/healthalert/internal/domain/inbox"
	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/domain/session"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnauthorized     = errors.New("patient is not under your care")
	ErrNotFound         = errors.New("patient not found")
	ErrInvalidProfile   = errors.New("invalid profile update")
)

// profileAttributes are the attributes a patient may override.
var profileAttributes = map[string]bool{
	"email":         true,
	"phone":         true,
	"drugAllergies": true,
	"allergies":     true,
	"notes":         true,
}

type SearchStatus string

const (
	SearchFound        SearchStatus = "found"
	SearchNotFound     SearchStatus = "not_found"
	SearchUnauthorized SearchStatus = "unauthorized"
)

type PatientDashboard struct {
	Patient      *reference.Patient       `json:"patient"`
	Doctor       *reference.Doctor        `json:"doctor,omitempty"`
	Evaluation   *cds.Evaluation          `json:"evaluation"`
	Report       *cds.Report              `json:"report"`
	Appointments []reference.Appointment  `json:"appointments"`
	Feed         []inbox.NotificationItem `json:"feed"`
}

// PatientSummary is one row of a doctor's patient list.
type PatientSummary struct {
	ID              reference.ID    `json:"id"`
	Name            string          `json:"name"`
	Age             int             `json:"age"`
	CompactRisk     cds.CompactRisk `json:"compactRisk"`
	AlertCount      int             `json:"alertCount"`
	HighestSeverity reference.Risk  `json:"highestSeverity,omitempty"`
}

type DoctorDashboard struct {
	Doctor   *reference.Doctor        `json:"doctor"`
	Patients []PatientSummary         `json:"patients"`
	Feed     []inbox.NotificationItem `json:"feed"`
	Upcoming []reference.Appointment  `json:"upcoming"`
}

// PatientView is the full doctor-side view of one patient.
type PatientView struct {
	Patient     *reference.Patient        `json:"patient"`
	Evaluation  *cds.Evaluation           `json:"evaluation"`
	CompactRisk cds.CompactRisk           `json:"compactRisk"`
	Suggestion  *cds.MedicationSuggestion `json:"medicationSuggestion,omitempty"`
	Options     []cds.MedicationOption    `json:"medicationOptions"`
	Risks       []cds.MedicationRisk      `json:"medicationRisks"`
	Feed        []inbox.NotificationItem  `json:"feed"`
}

type SearchResult struct {
	Status    SearchStatus `json:"status"`
	PatientID reference.ID `json:"patientId"`
	View      *PatientView `json:"view,omitempty"`
}

// Err maps a failed search to ErrNotFound or ErrUnauthorized.
func (r *SearchResult) Err() error {
	switch r.Status {
	case SearchNotFound:
		return ErrNotFound
	case SearchUnauthorized:
		return ErrUnauthorized
	default:
		return nil
	}
}

type Service struct {
	accessor *reference.Accessor
	store    *eventlog.Store
	engine   *cds.Engine
	inbox    *inbox.Service
	logger   zerolog.Logger
}

func NewService(accessor *reference.Accessor, store *eventlog.Store, engine *cds.Engine, feeds *inbox.Service, logger zerolog.Logger) *Service {
	return &Service{
		accessor: accessor,
		store:    store,
		engine:   engine,
		inbox:    feeds,
		logger:   logger.With().Str("component", "portal").Logger(),
	}
}

// MergeProfile overlays override attributes on base. Override keys win; an
// override whose value does not fit the attribute's type is ignored. The
// id and password are never overridden.
func MergeProfile(base *reference.Patient, overrides map[string]json.RawMessage) *reference.Patient {
	out := *base
	if len(overrides) == 0 {
		return &out
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return &out
	}
	attrs := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return &out
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "id" || k == "password" {
			continue
		}
		var probe reference.Patient
		if json.Unmarshal([]byte(fmt.Sprintf("{%q:%s}", k, overrides[k])), &probe) != nil {
			continue
		}
		attrs[k] = overrides[k]
	}

	merged, err := json.Marshal(attrs)
	if err != nil {
		return &out
	}
	var p reference.Patient
	if err := json.Unmarshal(merged, &p); err != nil {
		return &out
	}
	p.ID = base.ID
	p.Password = base.Password
	return &p
}

// effective applies the profile override and the allergy log to base. The
// result carries no password. Backend failures are logged and skipped.
func (s *Service) effective(ctx context.Context, base *reference.Patient) *reference.Patient {
	overrides, err := s.store.Profile(ctx, base.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", string(base.ID)).Msg("profile override unavailable")
	}
	p := MergeProfile(base, overrides)

	logged, err := s.store.Allergies(ctx, base.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", string(base.ID)).Msg("allergy log unavailable")
	}
	p.DrugAllergies = unionFold(p.AllergyList(), logged)
	return p.Public()
}

func unionFold(lists ...[]string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, list := range lists {
		for _, v := range list {
			v = strings.TrimSpace(v)
			key := strings.ToLower(v)
			if v == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

// ResolvePatient returns the effective record for id together with the
// reference data it came from.
func (s *Service) ResolvePatient(ctx context.Context, id reference.ID) (*reference.Patient, *reference.Data, error) {
	ref := s.accessor.Load(ctx)
	base, ok := ref.FindPatient(id)
	if !ok {
		return nil, ref, reference.ErrNotFound
	}
	return s.effective(ctx, base), ref, nil
}

func (s *Service) PatientDashboard(ctx context.Context, sess *session.Session) (*PatientDashboard, error) {
	if !sess.IsPatient() {
		return nil, ErrNotAuthenticated
	}
	ref := s.accessor.Load(ctx)
	base, ok := ref.FindPatient(sess.Patient.ID)
	if !ok {
		// reference data unavailable; the login snapshot still renders
		base = sess.Patient
	}
	p := s.effective(ctx, base)

	d := &PatientDashboard{
		Patient:      p,
		Evaluation:   s.engine.Evaluate(p, ref),
		Report:       s.engine.Report(ctx, p, ref),
		Appointments: s.inbox.PatientAppointments(ctx, p, false),
		Feed:         s.inbox.PatientFeed(ctx, p, inbox.FeedQuery{Order: inbox.Descending, Type: inbox.TypeAll}),
	}
	if doc, ok := ref.FindDoctor(p.DoctorID); ok {
		d.Doctor = doc.Public()
	}
	return d, nil
}

func (s *Service) DoctorDashboard(ctx context.Context, sess *session.Session) (*DoctorDashboard, error) {
	if !sess.IsDoctor() {
		return nil, ErrNotAuthenticated
	}
	ref := s.accessor.Load(ctx)
	doc, ok := ref.FindDoctor(sess.Doctor.ID)
	if !ok {
		doc = sess.Doctor
	}

	care := doc.CareSet()
	summaries := make([]PatientSummary, 0, len(care))
	for _, id := range care {
		base, ok := ref.FindPatient(id)
		if !ok {
			s.logger.Warn().Str("doctor", string(doc.ID)).Str("subject", string(id)).Msg("assigned patient missing from reference data")
			continue
		}
		p := s.effective(ctx, base)
		ev := s.engine.Evaluate(p, ref)
		summaries = append(summaries, PatientSummary{
			ID:              p.ID,
			Name:            p.Name,
			Age:             p.Age,
			CompactRisk:     ev.CompactRisk,
			AlertCount:      len(ev.Alerts),
			HighestSeverity: ev.HighestSeverity(),
		})
	}

	return &DoctorDashboard{
		Doctor:   doc.Public(),
		Patients: summaries,
		Feed:     s.inbox.DoctorFeed(ctx, doc, ref, inbox.FeedQuery{Order: inbox.Descending, Type: inbox.TypeAll}),
		Upcoming: s.inbox.DoctorAppointments(ctx, doc, true),
	}, nil
}

// SearchPatient looks a patient up for a doctor. An absent patient is
// SearchNotFound; a patient outside the care set, including an empty one,
// is SearchUnauthorized.
func (s *Service) SearchPatient(ctx context.Context, sess *session.Session, query string) (*SearchResult, error) {
	if !sess.IsDoctor() {
		return nil, ErrNotAuthenticated
	}
	id := reference.NormalizeID(query)
	res := &SearchResult{PatientID: id}

	ref := s.accessor.Load(ctx)
	base, ok := ref.FindPatient(id)
	if !ok {
		res.Status = SearchNotFound
		return res, nil
	}
	doc, ok := ref.FindDoctor(sess.Doctor.ID)
	if !ok {
		doc = sess.Doctor
	}
	if !doc.Assigned(id) {
		res.Status = SearchUnauthorized
		return res, nil
	}

	p := s.effective(ctx, base)
	ev := s.engine.Evaluate(p, ref)
	res.Status = SearchFound
	res.View = &PatientView{
		Patient:     p,
		Evaluation:  ev,
		CompactRisk: ev.CompactRisk,
		Suggestion:  s.engine.SuggestMedication(p),
		Options:     s.engine.MedicationOptions(p),
		Risks:       cds.MedicationRisks(p),
		Feed:        s.inbox.DoctorFeed(ctx, &reference.Doctor{ID: doc.ID, PatientsUnderCare: []reference.ID{id}}, ref, inbox.FeedQuery{Order: inbox.Descending, Type: inbox.TypeAll}),
	}
	return res, nil
}

// UpdateProfile stores contact details, allergies and notes as overrides
// and returns the effective record. A JSON null clears an override.
func (s *Service) UpdateProfile(ctx context.Context, sess *session.Session, overrides map[string]json.RawMessage) (*reference.Patient, error) {
	if !sess.IsPatient() {
		return nil, ErrNotAuthenticated
	}
	if len(overrides) == 0 {
		return nil, fmt.Errorf("%w: no attributes given", ErrInvalidProfile)
	}
	for k, v := range overrides {
		if !profileAttributes[k] {
			return nil, fmt.Errorf("%w: %q cannot be changed", ErrInvalidProfile, k)
		}
		if string(v) == "null" {
			continue
		}
		var probe reference.Patient
		if err := json.Unmarshal([]byte(fmt.Sprintf("{%q:%s}", k, v)), &probe); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidProfile, k, err)
		}
	}

	id := sess.Patient.ID
	if err := s.store.SaveProfile(ctx, id, overrides); err != nil {
		return nil, err
	}
	s.inbox.Changed(ctx, id, eventlog.KindProfile)

	base, ok := s.accessor.Load(ctx).FindPatient(id)
	if !ok {
		base = sess.Patient
	}
	return s.effective(ctx, base), nil
}
