package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/domain/eventlog"
	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/domain/session"
	"github.com/medora/healthalert/internal/platform/eventbus"
	"github.com/medora/healthalert/internal/platform/notification"
	"github.com/medora/healthalert/internal/platform/telemetry"
	"github.com/medora/healthalert/internal/platform/websocket"
)

var (
	ErrUnknownPatient = errors.New("patient not found")
	ErrNotAssigned    = errors.New("patient is not under this doctor's care")
	ErrNoDoctor       = errors.New("no doctor on record")
	ErrInvalid        = errors.New("invalid request")
)

const (
	patientTopicPrefix = "feed:patient:"
	doctorTopicPrefix  = "feed:doctor:"

	EventFeedUpdated = "feed.updated"
)

func PatientTopic(id reference.ID) string { return patientTopicPrefix + string(id) }
func DoctorTopic(id reference.ID) string  { return doctorTopicPrefix + string(id) }

// Service reads and appends feed logs and pushes refreshed feeds to every
// open dashboard that includes a changed subject.
type Service struct {
	store    *eventlog.Store
	accessor *reference.Accessor
	bus      eventbus.Bus
	hub      *websocket.Hub
	notifier *notification.Notifier
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	views map[string]struct{}
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

// WithHub enables live fan-out. The service registers itself as the hub's
// subscription listener.
func WithHub(h *websocket.Hub) Option { return func(s *Service) { s.hub = h } }

func WithNotifier(n *notification.Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithMetrics(m *telemetry.Metrics) Option      { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option        { return func(s *Service) { s.now = now } }

func NewService(store *eventlog.Store, accessor *reference.Accessor, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		accessor: accessor,
		logger:   logger.With().Str("component", "inbox").Logger(),
		now:      time.Now,
		views:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = eventbus.NewLocalBus()
	}
	s.bus.Subscribe(s.Refresh)
	if s.hub != nil {
		s.hub.SetListener(s)
	}
	return s
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Logs reads the subject's feed logs. A backend failure on one log is
// logged and that log reads as empty.
func (s *Service) Logs(ctx context.Context, subject reference.ID) Logs {
	var logs Logs
	var err error
	if logs.Messages, err = s.store.Messages(ctx, subject); err != nil {
		s.logger.Warn().Err(err).Str("subject", string(subject)).Msg("messages unavailable")
	}
	if logs.LabOrders, err = s.store.LabOrders(ctx, subject); err != nil {
		s.logger.Warn().Err(err).Str("subject", string(subject)).Msg("lab orders unavailable")
	}
	if logs.Appointments, err = s.store.Appointments(ctx, subject); err != nil {
		s.logger.Warn().Err(err).Str("subject", string(subject)).Msg("appointments unavailable")
	}
	return logs
}

func (s *Service) PatientFeed(ctx context.Context, p *reference.Patient, q FeedQuery) []NotificationItem {
	items := BuildFeed(p.ID, s.Logs(ctx, p.ID), FeedOptions{
		Viewer:      ViewerPatient,
		Order:       q.Order,
		Now:         s.now(),
		PatientName: p.Name,
	})
	s.metrics.FeedBuilt("patient")
	return Filter(items, q.Type)
}

// DoctorFeed is the union feed over the doctor's care set. Patient names
// come from ref; a nil ref is loaded.
func (s *Service) DoctorFeed(ctx context.Context, d *reference.Doctor, ref *reference.Data, q FeedQuery) []NotificationItem {
	if ref == nil {
		ref = s.accessor.Load(ctx)
	}
	care := d.CareSet()
	subjects := make([]SubjectLogs, 0, len(care))
	for _, id := range care {
		sl := SubjectLogs{PatientID: id, Logs: s.Logs(ctx, id)}
		if p, ok := ref.FindPatient(id); ok {
			sl.PatientName = p.Name
		}
		subjects = append(subjects, sl)
	}
	items := BuildDoctorFeed(subjects, FeedOptions{Order: q.Order, Now: s.now()})
	s.metrics.FeedBuilt("doctor")
	return Filter(items, q.Type)
}

// PatientAppointments merges the reference schedule with logged
// appointments.
func (s *Service) PatientAppointments(ctx context.Context, p *reference.Patient, futureOnly bool) []reference.Appointment {
	logged, err := s.store.Appointments(ctx, p.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", string(p.ID)).Msg("appointments unavailable")
	}
	return UpcomingAppointments(p.Appointments, logged, s.now(), futureOnly)
}

// DoctorAppointments merges the doctor's reference schedule with the
// appointments logged for every patient in their care.
func (s *Service) DoctorAppointments(ctx context.Context, d *reference.Doctor, futureOnly bool) []reference.Appointment {
	var logged []eventlog.Appointment
	for _, id := range d.CareSet() {
		list, err := s.store.Appointments(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("subject", string(id)).Msg("appointments unavailable")
			continue
		}
		logged = append(logged, list...)
	}
	return UpcomingAppointments(d.Appointments, logged, s.now(), futureOnly)
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// CurrentDoctor returns the reference record for the session's doctor, so
// REST reads, mutations and pushed views share one care set. The login
// snapshot stands in when the reference data no longer lists the doctor.
func (s *Service) CurrentDoctor(ctx context.Context, snapshot *reference.Doctor) (*reference.Doctor, *reference.Data) {
	ref := s.accessor.Load(ctx)
	if d, ok := ref.FindDoctor(snapshot.ID); ok {
		return d, ref
	}
	return snapshot, ref
}

// careTarget resolves patientID for a doctor-side mutation.
func (s *Service) careTarget(ctx context.Context, d *reference.Doctor, patientID reference.ID) (*reference.Patient, error) {
	p, ok := s.accessor.Load(ctx).FindPatient(patientID)
	if !ok {
		return nil, ErrUnknownPatient
	}
	if !d.Assigned(p.ID) {
		return nil, ErrNotAssigned
	}
	return p, nil
}

// PostMessage appends a doctor's message to the patient's thread.
func (s *Service) PostMessage(ctx context.Context, d *reference.Doctor, patientID reference.ID, text string) (*eventlog.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text is required", ErrInvalid)
	}
	p, err := s.careTarget(ctx, d, patientID)
	if err != nil {
		return nil, err
	}
	m := &eventlog.Message{
		ToPatientID:    p.ID,
		FromDoctorID:   d.ID,
		FromDoctorName: d.Name,
		Text:           strings.TrimSpace(text),
	}
	if err := s.store.AppendMessage(ctx, p.ID, m); err != nil {
		return nil, err
	}
	s.Changed(ctx, p.ID, eventlog.KindMessages)
	return m, nil
}

// PatientMessage appends a patient's message to their doctor. The thread is
// keyed by the patient.
func (s *Service) PatientMessage(ctx context.Context, p *reference.Patient, text string) (*eventlog.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text is required", ErrInvalid)
	}
	if p.DoctorID == "" {
		return nil, ErrNoDoctor
	}
	m := &eventlog.Message{
		FromPatientID: p.ID,
		ToDoctorID:    p.DoctorID,
		Text:          strings.TrimSpace(text),
	}
	if err := s.store.AppendMessage(ctx, p.ID, m); err != nil {
		return nil, err
	}
	s.Changed(ctx, p.ID, eventlog.KindMessages)
	return m, nil
}

func (s *Service) OrderLabs(ctx context.Context, d *reference.Doctor, patientID reference.ID, tests []string) (*eventlog.LabOrder, error) {
	if !hasText(tests) {
		return nil, fmt.Errorf("%w: at least one test is required", ErrInvalid)
	}
	p, err := s.careTarget(ctx, d, patientID)
	if err != nil {
		return nil, err
	}
	o := &eventlog.LabOrder{Tests: tests, OrderedBy: d.ID, OrderedByName: d.Name}
	if err := s.store.AppendLabOrder(ctx, p.ID, o); err != nil {
		return nil, err
	}
	s.Changed(ctx, p.ID, eventlog.KindLabOrders)
	s.sms(ctx, p, notification.TemplateLabOrder, map[string]string{
		"patient_name": p.Name,
		"doctor":       "Dr. " + d.Name,
		"tests":        strings.Join(o.Tests, ", "),
	})
	return o, nil
}

// ScheduleAppointment logs a follow-up and texts the patient. The SMS is
// best effort.
func (s *Service) ScheduleAppointment(ctx context.Context, d *reference.Doctor, patientID reference.ID, appt reference.Appointment) (*eventlog.Appointment, error) {
	appt.Date, appt.Time = strings.TrimSpace(appt.Date), strings.TrimSpace(appt.Time)
	if appt.Date == "" || appt.Time == "" {
		return nil, fmt.Errorf("%w: appointment date and time are required", ErrInvalid)
	}
	p, err := s.careTarget(ctx, d, patientID)
	if err != nil {
		return nil, err
	}
	if appt.Doctor == "" {
		appt.Doctor = d.Name
	}
	a := &eventlog.Appointment{Appointment: appt}
	if err := s.store.AppendAppointment(ctx, p.ID, a); err != nil {
		return nil, err
	}
	s.Changed(ctx, p.ID, eventlog.KindAppointments)
	s.sms(ctx, p, notification.TemplateAppointmentScheduled,
		notification.AppointmentData(p.Name, a.Date, a.Time, a.Doctor, a.Department))
	return a, nil
}

// AddAllergy records an allergy for the patient. It reports false when the
// allergy was already listed.
func (s *Service) AddAllergy(ctx context.Context, p *reference.Patient, name string) (bool, error) {
	if strings.TrimSpace(name) == "" {
		return false, fmt.Errorf("%w: allergy name is required", ErrInvalid)
	}
	added, err := s.store.AppendAllergy(ctx, p.ID, name)
	if err != nil || !added {
		return added, err
	}
	s.Changed(ctx, p.ID, eventlog.KindAllergies)
	return true, nil
}

func hasText(list []string) bool {
	for _, v := range list {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

func (s *Service) sms(ctx context.Context, p *reference.Patient, templateID string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, s.phone(ctx, p), templateID, data); err != nil {
		s.logger.Warn().Err(err).Str("subject", string(p.ID)).Str("template", templateID).Msg("patient sms not sent")
	}
}

// phone prefers a phone number saved in the profile override.
func (s *Service) phone(ctx context.Context, p *reference.Patient) string {
	attrs, err := s.store.Profile(ctx, p.ID)
	if err == nil {
		var override string
		if raw, ok := attrs["phone"]; ok && json.Unmarshal(raw, &override) == nil && override != "" {
			return override
		}
	}
	return p.Phone
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// Changed announces that subject's logs changed. When publishing fails the
// views open on this replica are refreshed directly; the mutation itself
// has already succeeded.
func (s *Service) Changed(ctx context.Context, subject reference.ID, kind eventlog.Kind) {
	ev := eventbus.MutationEvent{SubjectID: string(subject), Kind: string(kind), At: s.now().UTC()}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("subject", string(subject)).Msg("failed to publish mutation event, refreshing local views")
		s.Refresh(ctx, ev)
	}
}

// Refresh re-aggregates every open view whose subject set contains the
// changed subject and pushes it to the view's subscribers.
func (s *Service) Refresh(ctx context.Context, ev eventbus.MutationEvent) {
	if s.hub == nil {
		return
	}
	subject := reference.NormalizeID(ev.SubjectID)
	var ref *reference.Data
	for _, topic := range s.OpenViews() {
		switch {
		case strings.HasPrefix(topic, patientTopicPrefix):
			if reference.ID(strings.TrimPrefix(topic, patientTopicPrefix)) != subject {
				continue
			}
		case strings.HasPrefix(topic, doctorTopicPrefix):
			if ref == nil {
				ref = s.accessor.Load(ctx)
			}
			d, ok := ref.FindDoctor(reference.ID(strings.TrimPrefix(topic, doctorTopicPrefix)))
			if !ok || !d.Assigned(subject) {
				continue
			}
		default:
			continue
		}
		s.push(ctx, topic, ref)
	}
}

// push rebuilds the feed behind topic and broadcasts it.
func (s *Service) push(ctx context.Context, topic string, ref *reference.Data) {
	q := FeedQuery{Order: Descending, Type: TypeAll}
	var items []NotificationItem
	var subject string
	switch {
	case strings.HasPrefix(topic, patientTopicPrefix):
		subject = strings.TrimPrefix(topic, patientTopicPrefix)
		items = s.PatientFeed(ctx, &reference.Patient{ID: reference.ID(subject)}, q)
	case strings.HasPrefix(topic, doctorTopicPrefix):
		subject = strings.TrimPrefix(topic, doctorTopicPrefix)
		if ref == nil {
			ref = s.accessor.Load(ctx)
		}
		d, ok := ref.FindDoctor(reference.ID(subject))
		if !ok {
			return
		}
		items = s.DoctorFeed(ctx, d, ref, q)
	default:
		return
	}

	data, err := json.Marshal(items)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", topic).Msg("failed to encode feed")
		return
	}
	s.hub.Broadcast(topic, websocket.Event{
		Type:      EventFeedUpdated,
		Topic:     topic,
		Subject:   subject,
		Timestamp: s.now().UTC(),
		Data:      data,
	})
	s.metrics.ViewRefreshed()
}

// TopicOpened registers a view and sends its current feed.
func (s *Service) TopicOpened(topic string) {
	if !strings.HasPrefix(topic, patientTopicPrefix) && !strings.HasPrefix(topic, doctorTopicPrefix) {
		return
	}
	s.mu.Lock()
	s.views[topic] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug().Str("topic", topic).Msg("view opened")
	s.push(context.Background(), topic, nil)
}

// TopicClosed drops a view unless a subscriber has rejoined meanwhile.
func (s *Service) TopicClosed(topic string) {
	if s.hub != nil && s.hub.TopicCount(topic) > 0 {
		return
	}
	s.mu.Lock()
	delete(s.views, topic)
	s.mu.Unlock()
	s.logger.Debug().Str("topic", topic).Msg("view closed")
}

// OpenViews lists the feed topics that currently have subscribers.
func (s *Service) OpenViews() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.views))
	for t := range s.views {
		out = append(out, t)
	}
	return out
}

// Access scopes WebSocket subscriptions to the session's own feed: the
// patient feed for a patient, the union feed for a doctor.
func (s *Service) Access() websocket.Access {
	return websocket.Access{
		Default: func(c echo.Context) []string {
			sess := session.FromContext(c)
			switch {
			case sess.IsPatient():
				return []string{PatientTopic(sess.Patient.ID)}
			case sess.IsDoctor():
				return []string{DoctorTopic(sess.Doctor.ID)}
			}
			return nil
		},
		Allow: func(c echo.Context) func(string) bool {
			sess := session.FromContext(c)
			return func(topic string) bool {
				switch {
				case sess.IsPatient():
					return topic == PatientTopic(sess.Patient.ID)
				case sess.IsDoctor():
					return topic == DoctorTopic(sess.Doctor.ID)
				}
				return false
			}
		},
	}
}

// DueAppointments lists every appointment on day for reminder delivery.
func (s *Service) DueAppointments(ctx context.Context, day string) ([]notification.Reminder, error) {
	ref, err := s.accessor.LoadStrict(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reference data: %w", err)
	}
	var out []notification.Reminder
	for i := range ref.Patients {
		p := &ref.Patients[i]
		for _, a := range s.PatientAppointments(ctx, p, false) {
			if a.Date != day {
				continue
			}
			out = append(out, notification.Reminder{
				PatientID:   string(p.ID),
				PatientName: p.Name,
				Phone:       s.phone(ctx, p),
				Date:        a.Date,
				Time:        a.Time,
				Doctor:      a.Doctor,
				Department:  a.Department,
			})
		}
	}
	return out, nil
}
