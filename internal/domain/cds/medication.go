package cds

import (
	"strings"

	"github.com/medora/healthalert/internal/domain/reference"
)

type suggestionRule struct {
	conditions []string
	// equivalents already covering the condition; any of them skips the rule
	equivalents []string
	// requires is a medication that must be active for the rule to apply
	requires  string
	drug      string
	action    string
	rationale string
}

// suggestionRules is consulted in order and the first applicable rule wins.
var suggestionRules = []suggestionRule{
	{
		conditions:  []string{"hypertension"},
		equivalents: []string{"lisinopril", "enalapril", "losartan"},
		drug:        "lisinopril",
		action:      ActionStart,
		rationale:   "Hypertension without ACE inhibitor or ARB; an ACE inhibitor may improve blood pressure control.",
	},
	{
		conditions:  []string{"diabetes"},
		equivalents: []string{"metformin"},
		drug:        "metformin",
		action:      ActionStart,
		rationale:   "Diabetes present; metformin is first-line therapy if there are no contraindications.",
	},
	{
		conditions: []string{"heart disease"},
		requires:   "ibuprofen",
		drug:       "ibuprofen",
		action:     ActionDiscontinue,
		rationale:  "NSAIDs raise cardiovascular and GI risk in heart disease; consider alternatives.",
	},
	{
		conditions:  []string{"high cholesterol", "hyperlipidemia"},
		equivalents: []string{"atorvastatin", "simvastatin", "rosuvastatin"},
		drug:        "atorvastatin",
		action:      ActionStart,
		rationale:   "Elevated cholesterol; statin therapy is typically indicated.",
	},
}

// SuggestMedication returns the first-line suggestion for the patient's
// first applicable condition. If the patient is allergic to that drug the
// suggestion is suppressed entirely and nil is returned; later rules are
// not consulted.
func (e *Engine) SuggestMedication(p *reference.Patient) *MedicationSuggestion {
	chronic := lowerSet(p.Chronic)
	meds := lowerSet(p.ActiveMedications)
	allergies := lowerSet(p.AllergyList())

	for _, r := range suggestionRules {
		cond, ok := firstPresent(chronic, r.conditions)
		if !ok {
			continue
		}
		if r.requires != "" && !meds[r.requires] {
			continue
		}
		if _, onEquivalent := firstPresent(meds, r.equivalents); onEquivalent {
			continue
		}
		if r.action == ActionStart && allergies[r.drug] {
			return nil
		}
		return &MedicationSuggestion{Condition: cond, Drug: r.drug, Action: r.action, Rationale: r.rationale}
	}
	return nil
}

func firstPresent(set map[string]bool, names []string) (string, bool) {
	for _, n := range names {
		if set[n] {
			return n, true
		}
	}
	return "", false
}

type optionTemplate struct {
	drug  string
	class string
}

var optionConditions = []string{"diabetes", "hypertension", "hyperlipidemia", "cad"}

var optionTable = map[string][]optionTemplate{
	"diabetes": {
		{"metformin", "Biguanide; improves insulin sensitivity and lowers hepatic glucose output."},
		{"glp-1 agonist", "Incretin mimetic; aids glycaemic control and weight loss."},
	},
	"hypertension": {
		{"ace inhibitor", "Lowers blood pressure with renal and cardiac protection."},
		{"thiazide", "Diuretic; effective first-line unless contraindicated, e.g. gout."},
	},
	"hyperlipidemia": {
		{"statin", "Reduces LDL and overall cardiovascular risk."},
	},
	"cad": {
		{"beta blocker", "Reduces myocardial oxygen demand and improves post-MI outcomes."},
	},
}

// MedicationOptions lists class options for the patient's conditions,
// omitting drugs the patient is allergic to or already takes.
func (e *Engine) MedicationOptions(p *reference.Patient) []MedicationOption {
	chronic := lowerSet(p.Chronic)
	meds := lowerSet(p.ActiveMedications)
	allergies := lowerSet(p.AllergyList())

	out := []MedicationOption{}
	for _, cond := range optionConditions {
		if !chronic[cond] {
			continue
		}
		for _, o := range optionTable[cond] {
			if allergies[o.drug] || meds[o.drug] {
				continue
			}
			out = append(out, MedicationOption{Condition: cond, Drug: o.drug, Class: o.class})
		}
	}
	return out
}

type riskNote struct {
	patterns []string
	note     string
}

var riskNotes = []riskNote{
	{[]string{"ibuprofen"}, "Can raise blood pressure and cardiovascular risk, may blunt aspirin's antiplatelet effect, GI bleeding risk."},
	{[]string{"aspirin"}, "Bleeding risk rises with NSAIDs and anticoagulants; GI irritation."},
	{[]string{"beta-block", "beta block", "olol"}, "May cause bradycardia and fatigue; caution in asthma or COPD."},
	{[]string{"statin"}, "Myopathy risk, rarely rhabdomyolysis; liver enzyme elevation. Watch for muscle pain."},
	{[]string{"levothyroxine"}, "Absorption falls with calcium or iron; take on an empty stomach. Over-replacement risks arrhythmia and bone loss."},
	{[]string{"salbutamol", "albuterol"}, "Tremor and palpitations; frequent use signals poor control."},
}

const defaultRiskNote = "No major general warnings beyond standard labelled use."

// MedicationRisks returns one note per active medication, in order. A drug
// matching several known patterns gets all of their notes.
func MedicationRisks(p *reference.Patient) []MedicationRisk {
	out := make([]MedicationRisk, 0, len(p.ActiveMedications))
	for _, med := range p.ActiveMedications {
		lower := strings.ToLower(med)
		var notes []string
		for _, rn := range riskNotes {
			for _, pat := range rn.patterns {
				if strings.Contains(lower, pat) {
					notes = append(notes, rn.note)
					break
				}
			}
		}
		note := defaultRiskNote
		if len(notes) > 0 {
			note = strings.Join(notes, " ")
		}
		out = append(out, MedicationRisk{Medication: med, Note: note})
	}
	return out
}
