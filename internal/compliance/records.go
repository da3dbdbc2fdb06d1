package compliance

import (
	"time"

	"github.com/google/uuid"

	"github.com/ctms/ctms/internal/platform/caldate"
)

// VisitRecord is a stored visit together with its derived timing fields, as
// consumed by the aggregation reducers.
type VisitRecord struct {
	ID        uuid.UUID    `json:"id"`
	SubjectID uuid.UUID    `json:"subject_id"`
	StudyID   uuid.UUID    `json:"study_id"`
	VisitDate caldate.Date `json:"visit_date"`
	Status    VisitStatus  `json:"status"`
	Timing    TimingResult `json:"timing"`
}

// Eligible reports whether the visit counts toward timing compliance.
func (r VisitRecord) Eligible() bool {
	return r.Status == VisitCompleted && r.Timing.WithinWindow != nil
}

// CycleRecord is a stored accountability cycle together with its derived
// fields, as consumed by the aggregation reducers.
type CycleRecord struct {
	ID             uuid.UUID     `json:"id"`
	SubjectID      uuid.UUID     `json:"subject_id"`
	StudyID        uuid.UUID     `json:"study_id"`
	ContainerID    string        `json:"container_id"`
	LastDoseDate   *caldate.Date `json:"last_dose_date,omitempty"`
	AssessmentDate *caldate.Date `json:"assessment_date,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Result         CycleResult   `json:"result"`
}

// Evaluated reports whether the cycle carries an expectation and so
// contributes to averages. Open containers do not.
func (r CycleRecord) Evaluated() bool {
	return r.Result.ExpectedTaken != nil
}

// BucketDate is the best available calendar day for the cycle: the last dose
// date, then the assessment date, then the day of the last update.
func (r CycleRecord) BucketDate() caldate.Date {
	if r.LastDoseDate != nil {
		return *r.LastDoseDate
	}
	if r.AssessmentDate != nil {
		return *r.AssessmentDate
	}
	return caldate.FromTime(r.UpdatedAt.UTC())
}
