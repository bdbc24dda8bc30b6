package inputs

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// Profile selects what kind of shelf the generator produces.
type Profile string

const (
	ProfileCompliant  Profile = "compliant"
	ProfileViolations Profile = "violations"
	// ProfileDisputed makes supplier reports and shelf images disagree.
	ProfileDisputed Profile = "disputed"
)

var catalog = []string{"cola", "lime-soda", "sparkling-water", "iced-tea", "energy-drink", "orange-juice"}

// GenerateOptions controls Generate.
type GenerateOptions struct {
	Subjects []string
	Profile  Profile
	Seed     uint64
}

// Generate builds deterministic fixture inputs for locationID on date. The
// same options always yield the same data.
func Generate(locationID, date string, opts GenerateOptions) (domain.Inputs, error) {
	day, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return domain.Inputs{}, fmt.Errorf("inputs: date %q must be YYYY-MM-DD", date)
	}
	subjects := opts.Subjects
	if len(subjects) == 0 {
		subjects = []string{"shelf-compliance"}
	}
	profile := opts.Profile
	if profile == "" {
		profile = ProfileCompliant
	}
	rng := rand.New(rand.NewPCG(opts.Seed, uint64(len(locationID))))
	id := func(parts ...string) string {
		name := locationID + "/" + date
		for _, p := range parts {
			name += "/" + p
		}
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
	}

	contract := domain.Contract{
		ID:             id("contract"),
		Supplier:       "acme-beverages",
		EffectiveDate:  day.AddDate(0, -6, 0).Format(domain.DateLayout),
		ExpirationDate: day.AddDate(1, 0, 0).Format(domain.DateLayout),
		Reported:       map[string]float64{},
	}
	var in domain.Inputs
	for i, subject := range subjects {
		minimum := round2(0.25 + 0.1*rng.Float64())
		contract.Rules = append(contract.Rules, domain.Rule{
			Subject:     subject,
			Metric:      "shelf_share",
			Minimum:     minimum,
			Description: fmt.Sprintf("at least %.0f%% shelf share in %s", minimum*100, subject),
		})
		observed := minimum + 0.05 + 0.1*rng.Float64()
		reported := observed
		switch profile {
		case ProfileViolations:
			observed = minimum * (0.4 + 0.3*rng.Float64())
			reported = observed
		case ProfileDisputed:
			observed = minimum * (0.4 + 0.3*rng.Float64())
		}
		if cur, ok := contract.Reported["shelf_share"]; !ok || reported < cur {
			contract.Reported["shelf_share"] = round2(reported)
		}
		products := pick(rng, 3+i%2)
		shown := products
		if profile == ProfileViolations {
			shown = products[:1]
		}
		for n := 0; n < 2; n++ {
			in.Images = append(in.Images, domain.Image{
				ID:           id(subject, "image", fmt.Sprint(n)),
				Subject:      subject,
				CapturedAt:   day.Add(time.Duration(9+n) * time.Hour).Format(time.RFC3339),
				Quality:      round2(0.85 + 0.1*rng.Float64()),
				Observations: map[string]float64{"shelf_share": round2(observed)},
				Products:     shown,
			})
		}
		in.Planograms = append(in.Planograms, domain.Planogram{
			ID:       id(subject, "planogram"),
			Subject:  subject,
			Version:  "v1",
			Products: products,
		})
	}
	in.Contracts = []domain.Contract{contract}
	return in, nil
}

func pick(rng *rand.Rand, n int) []string {
	idx := rng.Perm(len(catalog))
	out := make([]string, 0, n)
	for _, i := range idx[:n] {
		out = append(out, catalog[i])
	}
	return out
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
