package compliance

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/ctms/ctms/internal/platform/caldate"
)

// Cycle is one dispensed container of investigational product, from dispense
// to return.
type Cycle struct {
	ID             uuid.UUID     `json:"id"`
	SubjectID      uuid.UUID     `json:"subject_id"`
	ContainerID    string        `json:"container_id"`
	DispensedCount int           `json:"dispensed_count"`
	ReturnedCount  int           `json:"returned_count"`
	DispensingDate caldate.Date  `json:"dispensing_date"`
	LastDoseDate   *caldate.Date `json:"last_dose_date,omitempty"`
	AssessmentDate *caldate.Date `json:"assessment_date,omitempty"`
}

// IsOpen reports whether the container is still in use (not yet returned).
func (c Cycle) IsOpen() bool {
	return c.LastDoseDate == nil && c.ReturnedCount == 0
}

// Classification tags a cycle result for display and alerting.
type Classification string

const (
	ClassPending         Classification = "pending"
	ClassCompliant       Classification = "compliant"
	ClassNonCompliant    Classification = "non_compliant"
	ClassOverConsumption Classification = "over_consumption"
)

// CycleResult holds the derived fields of an accountability cycle.
type CycleResult struct {
	ActualTaken          int            `json:"actual_taken"`
	ExpectedTaken        *int           `json:"expected_taken"`
	CompliancePercentage float64        `json:"compliance_percentage"`
	IsCompliant          bool           `json:"is_compliant"`
	Classification       Classification `json:"classification"`
}

// HasExpectation reports whether the cycle produced a positive expected dose
// count, i.e. whether its percentage carries any signal.
func (r CycleResult) HasExpectation() bool {
	return r.ExpectedTaken != nil && *r.ExpectedTaken > 0
}

// EvaluateCycle computes the derived fields of one accountability cycle.
//
// actual_taken is dispensed minus returned. expected_taken stays nil while
// the container is open; otherwise it is round(days_on_drug * dosesPerDay),
// clamped at zero, where days_on_drug counts both the dispensing day and the
// last dose day. The percentage is reported uncapped. dosesPerDay must be
// finite and positive.
func EvaluateCycle(c Cycle, dosesPerDay, thresholdPercent float64) (CycleResult, error) {
	if c.DispensedCount < 0 {
		return CycleResult{}, fmt.Errorf("%w: got %d", ErrInvalidDispensedCount, c.DispensedCount)
	}
	if c.ReturnedCount < 0 || c.ReturnedCount > c.DispensedCount {
		return CycleResult{}, fmt.Errorf("%w: returned %d of %d", ErrInvalidReturnCount, c.ReturnedCount, c.DispensedCount)
	}
	if math.IsNaN(thresholdPercent) || thresholdPercent < 0 || thresholdPercent > 100 {
		return CycleResult{}, fmt.Errorf("%w: got %v", ErrInvalidThreshold, thresholdPercent)
	}
	if math.IsNaN(dosesPerDay) || math.IsInf(dosesPerDay, 0) || dosesPerDay <= 0 {
		return CycleResult{}, fmt.Errorf("%w: doses per day %v", ErrUnsupportedDosing, dosesPerDay)
	}

	res := CycleResult{
		ActualTaken:    c.DispensedCount - c.ReturnedCount,
		IsCompliant:    true,
		Classification: ClassPending,
	}

	end := c.LastDoseDate
	if end == nil && c.ReturnedCount > 0 {
		// Returned without a recorded last dose: the return assessment closes the cycle.
		end = c.AssessmentDate
	}
	if end == nil {
		return res, nil
	}

	daysOnDrug := caldate.DiffDays(c.DispensingDate, *end) + 1
	expected := int(math.Round(float64(daysOnDrug) * dosesPerDay))
	if expected < 0 {
		expected = 0
	}
	res.ExpectedTaken = &expected

	if expected == 0 {
		res.Classification = ClassCompliant
		return res, nil
	}

	res.CompliancePercentage = roundTo(100*float64(res.ActualTaken)/float64(expected), 1)
	res.IsCompliant = res.CompliancePercentage >= thresholdPercent
	switch {
	case !res.IsCompliant:
		res.Classification = ClassNonCompliant
	case res.CompliancePercentage > 100:
		res.Classification = ClassOverConsumption
	default:
		res.Classification = ClassCompliant
	}
	return res, nil
}

// ReconcileOpenCycle returns the subject's single open cycle, or nil when
// there is none. With a non-empty containerID, an open cycle for a different
// container also yields nil. More than one open cycle is a data-integrity
// violation and is reported as ErrMultipleOpenCycles.
func ReconcileOpenCycle(cycles []Cycle, subjectID uuid.UUID, containerID string) (*Cycle, error) {
	var open []Cycle
	for _, c := range cycles {
		if c.SubjectID == subjectID && c.IsOpen() {
			open = append(open, c)
		}
	}
	switch len(open) {
	case 0:
		return nil, nil
	case 1:
		if containerID != "" && open[0].ContainerID != containerID {
			return nil, nil
		}
		found := open[0]
		return &found, nil
	}
	ids := make([]string, len(open))
	for i, c := range open {
		ids[i] = c.ContainerID
	}
	return nil, fmt.Errorf("%w: subject %s has open containers [%s]", ErrMultipleOpenCycles, subjectID, strings.Join(ids, ", "))
}

// CheckDispense verifies that containerID has not already been dispensed to
// the subject.
func CheckDispense(cycles []Cycle, subjectID uuid.UUID, containerID string) error {
	for _, c := range cycles {
		if c.SubjectID == subjectID && c.ContainerID == containerID {
			return fmt.Errorf("%w: %s", ErrDuplicateContainer, containerID)
		}
	}
	return nil
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
