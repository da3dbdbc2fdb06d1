package compliance

import (
	"fmt"
	"math"
	"strings"
)

// Dosing frequency codes accepted on a study.
const (
	FrequencyQD     = "QD"
	FrequencyBID    = "BID"
	FrequencyTID    = "TID"
	FrequencyQID    = "QID"
	FrequencyWeekly = "weekly"
	FrequencyCustom = "custom"
)

var dosesPerDayByCode = map[string]float64{
	FrequencyQD:     1,
	FrequencyBID:    2,
	FrequencyTID:    3,
	FrequencyQID:    4,
	FrequencyWeekly: 1.0 / 7.0,
}

// NormalizeFrequency returns the canonical spelling of a frequency code, or
// ErrUnknownDosingFrequency.
func NormalizeFrequency(code string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(code))
	switch upper {
	case FrequencyQD, FrequencyBID, FrequencyTID, FrequencyQID:
		return upper, nil
	case "WEEKLY":
		return FrequencyWeekly, nil
	case "CUSTOM":
		return FrequencyCustom, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDosingFrequency, code)
}

// DosesPerDay maps a dosing frequency code to the expected number of doses
// per day. The override is only consulted for the custom code.
func DosesPerDay(code string, override *float64) (float64, error) {
	canonical, err := NormalizeFrequency(code)
	if err != nil {
		return 0, err
	}
	if canonical == FrequencyCustom {
		if override == nil || math.IsNaN(*override) || math.IsInf(*override, 0) || *override <= 0 {
			return 0, ErrUnsupportedDosing
		}
		return *override, nil
	}
	return dosesPerDayByCode[canonical], nil
}
