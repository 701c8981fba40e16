// Package notification sends outbound SMS to patients: appointment
// confirmations, lab order notices and next-day reminders. Delivery is best
// effort and never blocks the clinical write that triggered it.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/platform/telemetry"
)

// ErrSendFailed is returned for every delivery failure. The cause is
// wrapped for logging but callers only branch on this sentinel.
var ErrSendFailed = errors.New("sms send failed")

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

const (
	TemplateAppointmentScheduled = "appointment-scheduled"
	TemplateAppointmentReminder  = "appointment-reminder"
	TemplateLabOrder             = "lab-order"
)

// Template defines a reusable message body with {{key}} placeholders.
type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:   TemplateAppointmentScheduled,
			Name: "Appointment Scheduled",
			Body: "Hello {{patient_name}}, your follow-up is booked for {{date}} at {{time}} with {{doctor}}{{department}}.",
		},
		{
			ID:   TemplateAppointmentReminder,
			Name: "Appointment Reminder",
			Body: "Reminder: {{patient_name}}, you have an appointment tomorrow ({{date}}) at {{time}} with {{doctor}}{{department}}.",
		},
		{
			ID:   TemplateLabOrder,
			Name: "Lab Order",
			Body: "Hello {{patient_name}}, {{doctor}} ordered lab tests for you: {{tests}}.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Templates returns the registered template ids.
func (e *TemplateEngine) Templates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.templates))
	for id := range e.templates {
		ids = append(ids, id)
	}
	return ids
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (string, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", templateID)
	}

	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body, nil
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Notifier renders a template and hands the text to a sender. Failures are
// logged and counted, then returned so callers may ignore them.
type Notifier struct {
	sender    SMSSender
	templates *TemplateEngine
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

func NewNotifier(sender SMSSender, templates *TemplateEngine, metrics *telemetry.Metrics, logger zerolog.Logger) *Notifier {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Notifier{
		sender:    sender,
		templates: templates,
		metrics:   metrics,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// Notify sends templateID rendered with data to phone. An empty phone is
// skipped without error.
func (n *Notifier) Notify(ctx context.Context, phone, templateID string, data map[string]string) error {
	if n == nil || n.sender == nil {
		return nil
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		n.logger.Debug().Str("template", templateID).Msg("no phone on record, skipping sms")
		return nil
	}
	body, err := n.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render sms: %w", err)
	}

	if err := n.sender.SendSMS(ctx, phone, body); err != nil {
		n.metrics.SMSResult(false)
		n.logger.Warn().Err(err).Str("template", templateID).Msg("sms delivery failed")
		return err
	}
	n.metrics.SMSResult(true)
	return nil
}

// ---------------------------------------------------------------------------
// Senders without a remote sink
// ---------------------------------------------------------------------------

// LogSender writes messages to the log instead of delivering them. It is
// used when no SMS sink is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Logger.Info().Str("to", to).Str("body", body).Msg("sms (not delivered, no sink configured)")
	return nil
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
}

// SendSMS records the call and optionally returns ErrSendFailed.
func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return ErrSendFailed
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
