package cds

import (
	"strings"

	"github.com/medora/healthalert/internal/domain/reference"
)

// Entry maps one condition to the recommendations it contributes. Sex, when
// set, restricts the entry to patients of that gender.
type Entry struct {
	Condition string
	Aliases   []string
	Sex       string
	Templates []Recommendation
}

func (e Entry) matches(conds map[string]bool, gender string) bool {
	if e.Sex != "" && !strings.EqualFold(e.Sex, gender) {
		return false
	}
	if conds[e.Condition] {
		return true
	}
	for _, a := range e.Aliases {
		if conds[a] {
			return true
		}
	}
	return false
}

// Catalog is evaluated in order; each matching entry contributes all of its
// templates once.
type Catalog []Entry

var fallbackRecommendation = Recommendation{
	Category: "General",
	Title:    "Maintain current plan",
	Body:     "No condition-specific advice applies. Keep your current treatment and schedule a periodic follow-up.",
}

// Recommend returns the catalog output for a condition set, or the single
// fallback recommendation when nothing matches.
func (c Catalog) Recommend(conds map[string]bool, gender string) []Recommendation {
	var out []Recommendation
	for _, e := range c {
		if e.matches(conds, gender) {
			out = append(out, e.Templates...)
		}
	}
	if len(out) == 0 {
		return []Recommendation{fallbackRecommendation}
	}
	return out
}

// Lab marker names as they appear in bloodAnalysis.
const (
	labHemoglobin    = "Hemoglobin"
	labHbA1c         = "HbA1c"
	labTriglycerides = "Triglycerides"
)

// Conditions builds the lowercased condition set for a patient: the chronic
// list plus conditions derived from vitals, labs and surgical history.
func Conditions(p *reference.Patient) map[string]bool {
	conds := make(map[string]bool)
	for _, c := range p.Chronic {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			conds[c] = true
		}
	}
	if bmi, ok := p.BMI(); ok && bmi >= 30 {
		conds["obesity"] = true
	}
	if hgb, ok := p.BloodAnalysis[labHemoglobin]; ok {
		switch strings.ToLower(strings.TrimSpace(p.Gender)) {
		case "female":
			if hgb < 12 {
				conds["anemia"] = true
			}
		case "male":
			if hgb < 13 {
				conds["anemia"] = true
			}
		}
	}
	if v, ok := p.BloodAnalysis[labHbA1c]; ok && v >= 6.5 {
		conds["diabetes"] = true
	}
	if v, ok := p.BloodAnalysis[labTriglycerides]; ok && v > 200 {
		conds["high cholesterol"] = true
	}
	for _, s := range p.PastSurgeries {
		s = strings.ToLower(s)
		if strings.Contains(s, "bypass") || strings.Contains(s, "stent") || strings.Contains(s, "valve") {
			conds["cardiac surgery history"] = true
			break
		}
	}
	return conds
}

// DefaultCatalog is the built-in recommendation table.
var DefaultCatalog = Catalog{
	{
		Condition: "hypertension",
		Templates: []Recommendation{
			{"Diet", "Cut back on salt", "Aim for less than 5 g of salt a day and favour fresh vegetables, fruit and whole grains."},
			{"Activity", "Move most days", "Thirty minutes of brisk walking on most days helps lower blood pressure."},
			{"Medications", "Take antihypertensives as prescribed", "Do not skip doses, and tell your doctor about dizziness or a persistent cough."},
			{"Lifestyle", "Limit alcohol and stress", "Keep alcohol to a minimum and make room for sleep and relaxation."},
		},
	},
	{
		Condition: "diabetes",
		Templates: []Recommendation{
			{"Diet", "Watch carbohydrates", "Spread carbohydrates evenly across meals and prefer high-fibre sources."},
			{"Monitoring", "Track your glucose", "Log fasting and post-meal readings and bring them to each review."},
			{"Activity", "Stay active after meals", "A short walk after eating helps control glucose spikes."},
			{"Foot Care", "Check your feet daily", "Look for cuts, blisters or colour changes and report slow-healing wounds."},
		},
	},
	{
		Condition: "high cholesterol",
		Aliases:   []string{"hyperlipidemia"},
		Templates: []Recommendation{
			{"Diet", "Choose unsaturated fats", "Replace butter and fatty meat with olive oil, fish, nuts and legumes."},
			{"Medications", "Keep up lipid-lowering therapy", "Take statins at the same time each day and report muscle pain."},
			{"Lifestyle", "Exercise and stop smoking", "Regular aerobic exercise raises HDL; smoking lowers it."},
		},
	},
	{
		Condition: "asthma",
		Templates: []Recommendation{
			{"Environment", "Reduce triggers at home", "Limit dust, smoke and pet dander, and air rooms regularly."},
			{"Action Plan", "Follow your asthma action plan", "Know when to use your reliever and when to seek urgent care."},
			{"Lifestyle", "Practise breathing exercises", "Controlled breathing can reduce symptoms between attacks."},
		},
	},
	{
		Condition: "thyroid disorder",
		Templates: []Recommendation{
			{"Medications", "Take thyroid medication on an empty stomach", "Take it at the same time every morning, 30 to 60 minutes before breakfast."},
			{"Monitoring", "Check TSH regularly", "Have thyroid levels tested as scheduled, especially after a dose change."},
			{"Lifestyle", "Watch energy and weight", "Report unexplained fatigue, palpitations or weight change."},
		},
	},
	{
		Condition: "celiac disease",
		Templates: []Recommendation{
			{"Diet", "Stay strictly gluten free", "Avoid wheat, barley and rye, and check labels for hidden gluten."},
			{"Nutrition", "Cover iron and vitamin needs", "Ask about iron, folate, vitamin D and B12 testing and supplements."},
			{"Support", "Get dietitian support", "A dietitian can help plan balanced gluten-free meals."},
		},
	},
	{
		Condition: "heart disease",
		Templates: []Recommendation{
			{"Medications", "Stay on cardiac medication", "Do not stop antiplatelets, beta blockers or statins without advice."},
			{"Lifestyle", "Join cardiac rehabilitation", "Supervised exercise and diet changes improve recovery and outcomes."},
			{"Monitoring", "Know the warning signs", "Seek care for chest pain, breathlessness or swelling of the legs."},
		},
	},
	{
		Condition: "obesity",
		Templates: []Recommendation{
			{"Weight", "Set a weight goal", "Losing 5 to 10 percent of body weight improves blood pressure and glucose."},
			{"Diet", "Control portions", "Use smaller plates, cut sugary drinks and plan meals ahead."},
		},
	},
	{
		Condition: "anemia",
		Templates: []Recommendation{
			{"Anemia", "Boost iron intake", "Eat iron-rich foods with vitamin C, and discuss supplements with your doctor."},
			{"Monitoring", "Recheck hemoglobin", "Repeat a blood count in 4 to 8 weeks to confirm improvement."},
		},
	},
	{
		Condition: "smoking",
		Templates: []Recommendation{
			{"Cessation", "Make a quit plan", "Pick a quit date and ask about nicotine replacement or counselling."},
			{"Benefits", "Feel the benefits early", "Circulation and lung function start improving within weeks of quitting."},
		},
	},
	{
		Condition: "pcos",
		Sex:       "female",
		Templates: []Recommendation{
			{"Lifestyle", "Balance diet and activity", "Regular exercise and a low glycaemic diet improve insulin sensitivity."},
			{"Monitoring", "Screen for metabolic risk", "Check glucose and lipids periodically and track cycle regularity."},
		},
	},
	{
		Condition: "cardiac surgery history",
		Templates: []Recommendation{
			{"Surgery", "Review antithrombotic therapy", "Review antiplatelet or anticoagulation therapy and perioperative risk before any planned procedure."},
		},
	},
}
