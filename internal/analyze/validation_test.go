package analyze

import (
	"testing"

	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
)

func TestMeasurementModelFor(t *testing.T) {
	cases := []struct {
		mode    enums.AnalyzeMode
		raw     string
		want    enums.MeasurementModel
		wantErr bool
	}{
		{mode: enums.AnalyzeModeQuick1View, raw: "", want: enums.MeasurementModelQuick},
		{mode: enums.AnalyzeModeStandard2View, raw: "", want: enums.MeasurementModelPremium},
		{mode: enums.AnalyzeModeStandard2View, raw: "PREMIUM", want: enums.MeasurementModelPremium},
		{mode: enums.AnalyzeModeQuick1View, raw: "premium", wantErr: true},
		{mode: enums.AnalyzeModeQuick1View, raw: "ultra", wantErr: true},
	}
	for _, tc := range cases {
		got, err := measurementModelFor(tc.mode, tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s/%q: expected error", tc.mode, tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s/%q: expected %s, got %s err=%v", tc.mode, tc.raw, tc.want, got, err)
		}
	}
}

func TestNormalizeStartInputWeightRange(t *testing.T) {
	height := 180.0
	heavy := 301.0
	if _, err := normalizeStartInput(enums.AnalyzeModeQuick1View, StartInput{HeightCm: &height, WeightKg: &heavy, Gender: "male"}); err == nil {
		t.Fatal("expected weight range error")
	}
	weight := 80.0
	profile, err := normalizeStartInput(enums.AnalyzeModeQuick1View, StartInput{HeightCm: &height, WeightKg: &weight, Gender: " Female "})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if profile.gender != enums.GenderFemale || *profile.weightKg != 80 {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestObjectKeys(t *testing.T) {
	if got := extension("scan.JPEG"); got != "jpeg" {
		t.Fatalf("expected jpeg, got %q", got)
	}
	if got := extension("noext"); got != "bin" {
		t.Fatalf("expected bin, got %q", got)
	}
	if got := contentTypeFor("a/output/body.glb"); got != glbContentType {
		t.Fatalf("expected glb content type, got %q", got)
	}
}
