package domain

import "testing"

func TestCopyValueDetachesInputsAndFindings(t *testing.T) {
	contracts := []Contract{{ID: "c-1", Rules: []Rule{{Metric: "shelf_share", Minimum: 0.3}}, Reported: map[string]float64{"shelf_share": 0.4}}}
	copied := CopyValue(contracts).([]Contract)
	copied[0].Rules[0].Minimum = 0.9
	copied[0].Reported["shelf_share"] = 0
	if contracts[0].Rules[0].Minimum != 0.3 || contracts[0].Reported["shelf_share"] != 0.4 {
		t.Fatalf("expected original contract untouched, got %+v", contracts[0])
	}

	images := []Image{{ID: "img-1", Observations: map[string]float64{"facings": 4}, Products: []string{"cola"}}}
	copiedImages := CopyValue(images).([]Image)
	copiedImages[0].Observations["facings"] = 0
	copiedImages[0].Products[0] = "water"
	if images[0].Observations["facings"] != 4 || images[0].Products[0] != "cola" {
		t.Fatalf("expected original image untouched, got %+v", images[0])
	}

	f := Finding{Producer: "p", Subject: "s", Metrics: map[string]float64{"share": 0.5}}
	copiedFinding := CopyValue(f).(Finding)
	copiedFinding.Metrics["share"] = 1
	if f.Metrics["share"] != 0.5 {
		t.Fatalf("expected original finding metrics untouched, got %v", f.Metrics)
	}

	if got := CopyValue(true); got != true {
		t.Fatalf("expected scalar passthrough, got %v", got)
	}
}
