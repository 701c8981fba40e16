// Package cds derives alerts, risk scores, recommendations and medication
// suggestions from a patient snapshot and the reference interaction rules.
// Nothing it produces is persisted.
package cds

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medora/healthalert/internal/domain/reference"
	"github.com/medora/healthalert/internal/platform/telemetry"
)

type conditionAdvisory struct {
	condition string
	severity  reference.Risk
	message   string
}

// advisories is matched in order against the patient's chronic list.
var advisories = []conditionAdvisory{
	{"hypertension", reference.RiskMedium, "Monitor your blood pressure trend."},
	{"diabetes", reference.RiskMedium, "Check glucose regularly and keep HbA1c reviews on schedule."},
	{"heart disease", reference.RiskMedium, "Report chest pain or breathlessness promptly."},
}

type Engine struct {
	catalog   Catalog
	generator ReportGenerator
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

type Option func(*Engine)

func WithCatalog(c Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithReportGenerator injects an external report capability. Without one,
// Report always returns the baseline report.
func WithReportGenerator(g ReportGenerator) Option {
	return func(e *Engine) { e.generator = g }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		catalog: DefaultCatalog,
		logger:  logger.With().Str("component", "cds").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate computes the full evaluation for p. The patient's allergy list
// must already include locally added allergies. A nil ref means no
// interaction rules.
func (e *Engine) Evaluate(p *reference.Patient, ref *reference.Data) *Evaluation {
	ev := &Evaluation{
		Alerts:          e.Alerts(p, ref),
		Risk:            Risk(p),
		CompactRisk:     Compact(p),
		Recommendations: e.catalog.Recommend(Conditions(p), p.Gender),
	}
	if bmi, ok := p.BMI(); ok {
		rounded := math.Round(bmi*10) / 10
		ev.BMI = &rounded
	}
	for _, a := range ev.Alerts {
		e.metrics.AlertEmitted(string(a.Severity), string(a.Category))
	}
	return ev
}

// Alerts emits age, BMI, condition, interaction and allergy alerts in that
// order. None suppresses another.
func (e *Engine) Alerts(p *reference.Patient, ref *reference.Data) []Alert {
	alerts := []Alert{}

	if p.Age > 70 {
		alerts = append(alerts, Alert{
			Severity: reference.RiskHigh,
			Category: CategoryAge,
			Message:  fmt.Sprintf("Age-related risk: %d", p.Age),
		})
	}

	if bmi, ok := p.BMI(); ok && bmi >= 30 {
		alerts = append(alerts, Alert{
			Severity: reference.RiskMedium,
			Category: CategoryBMI,
			Message:  fmt.Sprintf("Obesity risk (BMI %.1f)", bmi),
		})
	}

	chronic := lowerSet(p.Chronic)
	for _, adv := range advisories {
		if chronic[adv.condition] {
			alerts = append(alerts, Alert{Severity: adv.severity, Category: CategoryChronic, Message: adv.message})
		}
	}

	meds := lowerSet(p.ActiveMedications)
	for _, rule := range ref.Rules() {
		a := strings.ToLower(strings.TrimSpace(rule.A))
		b := strings.ToLower(strings.TrimSpace(rule.B))
		if a == "" || b == "" || !meds[a] || !meds[b] {
			continue
		}
		alerts = append(alerts, Alert{
			Severity: reference.ParseRisk(rule.Risk),
			Category: CategoryDrugInteraction,
			Message:  fmt.Sprintf("%s with %s: %s", rule.A, rule.B, rule.Reason),
		})
	}

	allergies := lowerSet(p.AllergyList())
	for _, med := range p.ActiveMedications {
		if allergies[strings.ToLower(strings.TrimSpace(med))] {
			alerts = append(alerts, Alert{
				Severity: reference.RiskHigh,
				Category: CategoryAllergyConflict,
				Message:  "Medication-allergy conflict: " + med,
			})
		}
	}
	return alerts
}

// Risk is the 0..100 composite score. It never decreases as age, the number
// of chronic conditions or BMI grow.
func Risk(p *reference.Patient) RiskScore {
	base := 10
	if p.Age > 60 {
		base = 30
	}
	base += 10 * len(lowerSet(p.Chronic))

	bmiRisk := 0
	if bmi, ok := p.BMI(); ok {
		switch {
		case bmi >= 30:
			bmiRisk = 30
		case bmi >= 25:
			bmiRisk = 15
		}
	}

	score := base + bmiRisk
	if score > 100 {
		score = 100
	}
	label := reference.RiskLow
	switch {
	case score >= 70:
		label = reference.RiskHigh
	case score >= 40:
		label = reference.RiskMedium
	}
	return RiskScore{Score: score, Label: label}
}

// Compact is the coarse summary score used in doctor lists.
func Compact(p *reference.Patient) CompactRisk {
	score := len(lowerSet(p.Chronic))
	if p.Age > 60 {
		score += 2
	}
	if len(p.ActiveMedications) > 2 {
		score++
	}
	label := CompactLow
	switch {
	case score >= 3:
		label = CompactHigh
	case score >= 2:
		label = CompactMedium
	}
	return CompactRisk{Score: score, Label: label}
}

// Report returns the generator's report when one is configured and the
// patient has lab values, and the baseline report otherwise.
func (e *Engine) Report(ctx context.Context, p *reference.Patient, ref *reference.Data) *Report {
	if e.generator == nil || len(p.BloodAnalysis) == 0 {
		return BaselineReport(p, ref)
	}
	r, err := e.generator.Generate(ctx, p)
	if err != nil {
		e.logger.Warn().Err(err).Str("patient_id", p.ID.String()).Msg("report generator failed, using baseline")
		return BaselineReport(p, ref)
	}
	return r
}

// lowerSet returns the distinct trimmed lowercase non-empty names.
func lowerSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = true
		}
	}
	return set
}
