package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/platform/auth"
)

// DefaultReminderSchedule runs the reminder sweep every evening.
const DefaultReminderSchedule = "0 18 * * *"

// Reminder is one appointment due for a reminder.
type Reminder struct {
	PatientID   string
	PatientName string
	Phone       string
	Date        string
	Time        string
	Doctor      string
	Department  string
}

// ReminderSource lists appointments on day (formatted 2006-01-02).
type ReminderSource interface {
	DueAppointments(ctx context.Context, day string) ([]Reminder, error)
}

// Reminders sends an SMS for every appointment scheduled for the next day.
type Reminders struct {
	cron     *cron.Cron
	source   ReminderSource
	notifier *Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

// NewReminders registers the sweep on schedule (standard five-field cron
// syntax). Start must be called to run it.
func NewReminders(source ReminderSource, notifier *Notifier, schedule string, logger zerolog.Logger) (*Reminders, error) {
	if schedule == "" {
		schedule = DefaultReminderSchedule
	}
	r := &Reminders{
		cron:     cron.New(),
		source:   source,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.With().Str("component", "reminders").Logger(),
	}
	if _, err := r.cron.AddFunc(schedule, func() { r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parse reminder schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Reminders) Start() { r.cron.Start() }

// Stop halts the scheduler and returns a context that is done once a running
// sweep has finished.
func (r *Reminders) Stop() context.Context { return r.cron.Stop() }

// RunOnce sends reminders for tomorrow's appointments and returns how many
// were delivered.
func (r *Reminders) RunOnce(ctx context.Context) int {
	day := r.now().AddDate(0, 0, 1).Format("2006-01-02")
	due, err := r.source.DueAppointments(ctx, day)
	if err != nil {
		r.logger.Error().Err(err).Str("day", day).Msg("failed to list due appointments")
		return 0
	}

	sent := 0
	for _, rem := range due {
		data := AppointmentData(rem.PatientName, rem.Date, rem.Time, rem.Doctor, rem.Department)
		if err := r.notifier.Notify(ctx, rem.Phone, TemplateAppointmentReminder, data); err == nil && rem.Phone != "" {
			sent++
		}
	}
	r.logger.Info().Str("day", day).Int("due", len(due)).Int("sent", sent).Msg("reminder sweep finished")
	return sent
}

func departmentSuffix(dept string) string {
	if dept == "" {
		return ""
	}
	return " (" + dept + ")"
}

// AppointmentData builds template data for an appointment message.
func AppointmentData(patientName, date, tm, doctor, department string) map[string]string {
	return map[string]string{
		"patient_name": patientName,
		"date":         date,
		"time":         tm,
		"doctor":       doctor,
		"department":   departmentSuffix(department),
	}
}

// Handler exposes an admin trigger for the reminder sweep.
type Handler struct {
	reminders *Reminders
}

func NewHandler(r *Reminders) *Handler {
	return &Handler{reminders: r}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("/notifications", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/reminders/run", h.RunReminders)
}

func (h *Handler) RunReminders(c echo.Context) error {
	sent := h.reminders.RunOnce(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]int{"sent": sent})
}
