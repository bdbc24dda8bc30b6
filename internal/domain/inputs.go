package domain

// Contract is a supplier agreement for a location.
type Contract struct {
	ID             string `json:"id" yaml:"id"`
	Supplier       string `json:"supplier" yaml:"supplier"`
	EffectiveDate  string `json:"effective_date" yaml:"effective_date"`
	ExpirationDate string `json:"expiration_date" yaml:"expiration_date"`
	Rules          []Rule `json:"rules" yaml:"rules"`
	// Reported holds the supplier's self-reported metric values.
	Reported map[string]float64 `json:"reported,omitempty" yaml:"reported,omitempty"`
}

// InEffect reports whether the contract covers date (YYYY-MM-DD). Empty
// bounds are open.
func (c Contract) InEffect(date string) bool {
	if c.EffectiveDate != "" && date < c.EffectiveDate {
		return false
	}
	if c.ExpirationDate != "" && date > c.ExpirationDate {
		return false
	}
	return true
}

// Rule is one measurable contract term.
type Rule struct {
	Subject     string  `json:"subject" yaml:"subject"`
	Metric      string  `json:"metric" yaml:"metric"`
	Minimum     float64 `json:"minimum" yaml:"minimum"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// Applies reports whether the rule governs subject. Rules without a subject
// apply everywhere.
func (r Rule) Applies(subject string) bool {
	return r.Subject == "" || r.Subject == subject
}

// Image is one shelf photo with its pre-extracted observations.
type Image struct {
	ID           string             `json:"id" yaml:"id"`
	Subject      string             `json:"subject" yaml:"subject"`
	CapturedAt   string             `json:"captured_at" yaml:"captured_at"`
	Quality      float64            `json:"quality" yaml:"quality"`
	Observations map[string]float64 `json:"observations" yaml:"observations"`
	Products     []string           `json:"products" yaml:"products"`
}

// Planogram is the reference layout for a subject.
type Planogram struct {
	ID       string   `json:"id" yaml:"id"`
	Subject  string   `json:"subject" yaml:"subject"`
	Version  string   `json:"version" yaml:"version"`
	Products []string `json:"products" yaml:"products"`
}

// Inputs bundles everything retrieved for a run.
type Inputs struct {
	Contracts  []Contract  `json:"contracts" yaml:"contracts"`
	Images     []Image     `json:"images" yaml:"images"`
	Planograms []Planogram `json:"planograms" yaml:"planograms"`
}

// Requirements folds the minimum of every in-effect rule for subject into a
// metric → threshold map. The strictest contract wins.
func (in Inputs) Requirements(subject, date string) map[string]float64 {
	out := map[string]float64{}
	for _, contract := range in.Contracts {
		if !contract.InEffect(date) {
			continue
		}
		for _, rule := range contract.Rules {
			if !rule.Applies(subject) || rule.Metric == "" {
				continue
			}
			if current, ok := out[rule.Metric]; !ok || rule.Minimum > current {
				out[rule.Metric] = rule.Minimum
			}
		}
	}
	return out
}
