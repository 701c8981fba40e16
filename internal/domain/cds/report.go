package cds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/medora/healthalert/internal/domain/reference"
)

// ReportGenerator produces a lab interpretation for a patient. It is an
// optional capability; the engine falls back to BaselineReport.
type ReportGenerator interface {
	Generate(ctx context.Context, p *reference.Patient) (*Report, error)
}

const (
	SourceBaseline = "baseline"
	SourceML       = "ml"
)

type labRange struct {
	low, high float64
}

// normalRanges are approximate adult reference intervals for the markers the
// baseline report flags.
var normalRanges = map[string]labRange{
	"Glucose":                  {70, 140},
	"Cholesterol":              {125, 200},
	"Hemoglobin":               {12, 17},
	"Platelets":                {150000, 400000},
	"White Blood Cells":        {4000, 11000},
	"Red Blood Cells":          {4.0, 6.0},
	"Hematocrit":               {36, 50},
	"HbA1c":                    {4, 5.7},
	"Triglycerides":            {50, 150},
	"LDL Cholesterol":          {0, 100},
	"HDL Cholesterol":          {40, 100},
	"Systolic Blood Pressure":  {90, 120},
	"Diastolic Blood Pressure": {60, 80},
}

// BaselineReport summarizes vitals, conditions, medications, interactions
// and out-of-range labs. It is deterministic for a given input.
func BaselineReport(p *reference.Patient, ref *reference.Data) *Report {
	r := &Report{
		Source:          SourceBaseline,
		RiskLevel:       string(Risk(p).Label),
		Findings:        []string{},
		Recommendations: []string{},
	}

	bmi := "-"
	if v, ok := p.BMI(); ok {
		bmi = fmt.Sprintf("%.1f", v)
	}
	r.Findings = append(r.Findings, fmt.Sprintf("Age: %d, BMI: %s", p.Age, bmi))
	r.Findings = append(r.Findings, "Conditions: "+joinOrDash(p.Chronic))
	r.Findings = append(r.Findings, "Medications: "+joinOrDash(p.ActiveMedications))

	meds := lowerSet(p.ActiveMedications)
	for _, rule := range ref.Rules() {
		a, b := strings.ToLower(strings.TrimSpace(rule.A)), strings.ToLower(strings.TrimSpace(rule.B))
		if a != "" && b != "" && meds[a] && meds[b] {
			r.Findings = append(r.Findings, fmt.Sprintf("Interaction: %s with %s: %s", rule.A, rule.B, rule.Reason))
		}
	}

	markers := make([]string, 0, len(p.BloodAnalysis))
	for name := range p.BloodAnalysis {
		markers = append(markers, name)
	}
	sort.Strings(markers)
	for _, name := range markers {
		rng, ok := normalRanges[name]
		if !ok {
			continue
		}
		v := p.BloodAnalysis[name]
		switch {
		case v < rng.low:
			r.Findings = append(r.Findings, fmt.Sprintf("%s low: %g (normal %g-%g)", name, v, rng.low, rng.high))
		case v > rng.high:
			r.Findings = append(r.Findings, fmt.Sprintf("%s high: %g (normal %g-%g)", name, v, rng.low, rng.high))
		}
	}

	for _, rec := range DefaultCatalog.Recommend(Conditions(p), p.Gender) {
		r.Recommendations = append(r.Recommendations, rec.Title)
	}
	return r
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

// MLReportGenerator calls the prediction service at <baseURL>/api/predict
// with the patient's blood analysis.
type MLReportGenerator struct {
	client *resty.Client
}

func NewMLReportGenerator(baseURL string, timeout time.Duration) *MLReportGenerator {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &MLReportGenerator{client: client}
}

type abnormalParameter struct {
	Parameter   string  `json:"parameter"`
	Value       float64 `json:"value"`
	Status      string  `json:"status"`
	NormalRange string  `json:"normal_range"`
}

type predictResponse struct {
	Disease                string              `json:"disease"`
	Confidence             float64             `json:"confidence"`
	RiskLevel              string              `json:"risk_level"`
	Recommendations        []string            `json:"recommendations"`
	DoctorRecommendations  []string            `json:"doctor_recommendations"`
	PatientRecommendations []string            `json:"patient_recommendations"`
	AbnormalParameters     []abnormalParameter `json:"abnormal_parameters"`
	Error                  string              `json:"error"`
}

func (g *MLReportGenerator) Generate(ctx context.Context, p *reference.Patient) (*Report, error) {
	if len(p.BloodAnalysis) == 0 {
		return nil, errors.New("no blood analysis to predict from")
	}
	var out predictResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(p.BloodAnalysis).
		SetResult(&out).
		SetError(&out).
		Post("/api/predict")
	if err != nil {
		return nil, fmt.Errorf("call prediction service: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("prediction service returned %d: %s", resp.StatusCode(), out.Error)
	}
	if out.Disease == "" {
		return nil, errors.New("prediction service returned no disease")
	}

	r := &Report{
		Source:          SourceML,
		Disease:         out.Disease,
		Confidence:      out.Confidence,
		RiskLevel:       strings.ToLower(out.RiskLevel),
		Findings:        []string{},
		Recommendations: []string{},
	}
	for _, ap := range out.AbnormalParameters {
		r.Findings = append(r.Findings, fmt.Sprintf("%s %s: %g (normal %s)", ap.Parameter, ap.Status, ap.Value, ap.NormalRange))
	}
	switch {
	case len(out.DoctorRecommendations) > 0:
		r.Recommendations = append(r.Recommendations, out.DoctorRecommendations...)
	case len(out.Recommendations) > 0:
		r.Recommendations = append(r.Recommendations, out.Recommendations...)
	default:
		r.Recommendations = append(r.Recommendations, out.PatientRecommendations...)
	}
	return r, nil
}
