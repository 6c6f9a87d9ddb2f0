package analyze

import (
	"strings"

	"github.com/angelmondragon/bodyscan-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/bodyscan-backend/pkg/errors"
)

const (
	minHeightCm = 100
	maxHeightCm = 230
	minWeightKg = 20
	maxWeightKg = 300
)

// StartInput carries the body profile submitted when a job is started.
type StartInput struct {
	HeightCm         *float64 `json:"height_cm" validate:"required"`
	WeightKg         *float64 `json:"weight_kg,omitempty"`
	Gender           string   `json:"gender" validate:"required,gender"`
	MeasurementModel string   `json:"measurement_model,omitempty"`
}

type startProfile struct {
	heightCm float64
	weightKg *float64
	gender   enums.Gender
	model    enums.MeasurementModel
}

func normalizeStartInput(mode enums.AnalyzeMode, input StartInput) (*startProfile, error) {
	if input.HeightCm == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "height_cm is required")
	}
	height := *input.HeightCm
	if height < minHeightCm || height > maxHeightCm {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "height_cm must be between %d and %d", minHeightCm, maxHeightCm)
	}
	if input.WeightKg != nil {
		if w := *input.WeightKg; w < minWeightKg || w > maxWeightKg {
			return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "weight_kg must be between %d and %d", minWeightKg, maxWeightKg)
		}
	}

	if strings.TrimSpace(input.Gender) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gender is required")
	}
	gender, err := enums.ParseGender(input.Gender)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gender must be one of male, female, other")
	}

	model, err := measurementModelFor(mode, input.MeasurementModel)
	if err != nil {
		return nil, err
	}

	return &startProfile{heightCm: height, weightKg: input.WeightKg, gender: gender, model: model}, nil
}

// measurementModelFor defaults the tier from the mode and rejects mismatched pairs.
func measurementModelFor(mode enums.AnalyzeMode, raw string) (enums.MeasurementModel, error) {
	if strings.TrimSpace(raw) == "" {
		return mode.DefaultMeasurementModel(), nil
	}
	model, err := enums.ParseMeasurementModel(raw)
	if err != nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "measurement_model must be one of quick, premium")
	}
	if model != mode.DefaultMeasurementModel() {
		return "", pkgerrors.Newf(pkgerrors.CodeValidation, "measurement_model=%s is not available for mode=%s", model, mode)
	}
	return model, nil
}
