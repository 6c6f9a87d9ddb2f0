package enums

import (
	"fmt"
	"strings"
)

// AnalyzeMode maps to the analyze_mode_enum enum in Postgres.
type AnalyzeMode string

const (
	AnalyzeModeQuick1View    AnalyzeMode = "QUICK_1VIEW"
	AnalyzeModeStandard2View AnalyzeMode = "STANDARD_2VIEW"
)

var validAnalyzeModes = []AnalyzeMode{
	AnalyzeModeQuick1View,
	AnalyzeModeStandard2View,
}

// IsValid reports whether the value matches the canonical analyze mode enum.
func (m AnalyzeMode) IsValid() bool {
	for _, candidate := range validAnalyzeModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// RequiresSideView reports whether the mode needs a second (side) image.
func (m AnalyzeMode) RequiresSideView() bool {
	return m == AnalyzeModeStandard2View
}

// DefaultMeasurementModel is the measurement tier paired with the mode.
func (m AnalyzeMode) DefaultMeasurementModel() MeasurementModel {
	if m == AnalyzeModeStandard2View {
		return MeasurementModelPremium
	}
	return MeasurementModelQuick
}

// ParseAnalyzeMode converts raw input into AnalyzeMode. Matching ignores case.
func ParseAnalyzeMode(value string) (AnalyzeMode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	for _, candidate := range validAnalyzeModes {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid analyze mode %q", value)
}

// AnalyzeJobStatus maps to the analyze_job_status_enum enum in Postgres.
type AnalyzeJobStatus string

const (
	AnalyzeJobStatusQueued    AnalyzeJobStatus = "QUEUED"
	AnalyzeJobStatusRunning   AnalyzeJobStatus = "RUNNING"
	AnalyzeJobStatusCompleted AnalyzeJobStatus = "COMPLETED"
	AnalyzeJobStatusFailed    AnalyzeJobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s AnalyzeJobStatus) IsTerminal() bool {
	return s == AnalyzeJobStatusCompleted || s == AnalyzeJobStatusFailed
}

// MeasurementModel is the service tier requested for a job.
type MeasurementModel string

const (
	MeasurementModelQuick   MeasurementModel = "quick"
	MeasurementModelPremium MeasurementModel = "premium"
)

// TicketType returns the ticket kind consumed by the tier.
func (m MeasurementModel) TicketType() TicketType {
	if m == MeasurementModelPremium {
		return TicketTypePremium
	}
	return TicketTypeQuick
}

// QualityMode returns the inference quality hint for the tier.
func (m MeasurementModel) QualityMode() string {
	if m == MeasurementModelPremium {
		return "accurate"
	}
	return "fast"
}

// ParseMeasurementModel converts raw input into MeasurementModel. Matching ignores case.
func ParseMeasurementModel(value string) (MeasurementModel, error) {
	switch MeasurementModel(strings.ToLower(strings.TrimSpace(value))) {
	case MeasurementModelQuick:
		return MeasurementModelQuick, nil
	case MeasurementModelPremium:
		return MeasurementModelPremium, nil
	}
	return "", fmt.Errorf("invalid measurement model %q", value)
}

// Gender is the body profile gender hint forwarded to inference.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

// ParseGender converts raw input into Gender. Matching ignores case.
func ParseGender(value string) (Gender, error) {
	switch Gender(strings.ToLower(strings.TrimSpace(value))) {
	case GenderMale:
		return GenderMale, nil
	case GenderFemale:
		return GenderFemale, nil
	case GenderOther:
		return GenderOther, nil
	}
	return "", fmt.Errorf("invalid gender %q", value)
}
