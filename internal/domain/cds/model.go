package cds

import (
	"github.com/medora/healthalert/internal/domain/reference"
)

type Category string

const (
	CategoryAge             Category = "age"
	CategoryBMI             Category = "bmi"
	CategoryChronic         Category = "chronic-condition"
	CategoryDrugInteraction Category = "drug-interaction"
	CategoryAllergyConflict Category = "allergy-conflict"
)

// Alert is recomputed on every evaluation and never stored.
type Alert struct {
	Severity reference.Risk `json:"severity"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
}

// RiskScore is the 0..100 composite score shown on the patient dashboard.
type RiskScore struct {
	Score int            `json:"score"`
	Label reference.Risk `json:"label"`
}

// CompactRisk is the coarse score used in doctor summaries. Its labels are
// upper case to keep it visibly apart from RiskScore.
type CompactRisk struct {
	Score int    `json:"score"`
	Label string `json:"label"`
}

const (
	CompactLow    = "LOW"
	CompactMedium = "MEDIUM"
	CompactHigh   = "HIGH"
)

type Recommendation struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

type Evaluation struct {
	Alerts          []Alert          `json:"alerts"`
	Risk            RiskScore        `json:"risk"`
	CompactRisk     CompactRisk      `json:"compactRisk"`
	Recommendations []Recommendation `json:"recommendations"`
	BMI             *float64         `json:"bmi"`
}

// HighestSeverity returns the most severe alert level, or "" with no alerts.
func (e *Evaluation) HighestSeverity() reference.Risk {
	var best reference.Risk
	for _, a := range e.Alerts {
		if severityRank(a.Severity) > severityRank(best) {
			best = a.Severity
		}
	}
	return best
}

func severityRank(r reference.Risk) int {
	switch r {
	case reference.RiskHigh:
		return 3
	case reference.RiskMedium:
		return 2
	case reference.RiskLow:
		return 1
	}
	return 0
}

// MedicationSuggestion is a first-line drug proposed for one condition.
type MedicationSuggestion struct {
	Condition string `json:"condition"`
	Drug      string `json:"drug"`
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

const (
	ActionStart       = "start"
	ActionDiscontinue = "discontinue"
)

type MedicationOption struct {
	Condition string `json:"condition"`
	Drug      string `json:"drug"`
	Class     string `json:"class"`
}

type MedicationRisk struct {
	Medication string `json:"medication"`
	Note       string `json:"note"`
}

// Report is the lab interpretation shown next to the evaluation.
type Report struct {
	Source          string   `json:"source"`
	Disease         string   `json:"disease,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	RiskLevel       string   `json:"riskLevel"`
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
}
