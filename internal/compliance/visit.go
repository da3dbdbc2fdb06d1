package compliance

import (
	"github.com/google/uuid"

	"github.com/ctms/ctms/internal/platform/caldate"
)

// VisitStatus is the lifecycle state of a scheduled visit.
type VisitStatus string

const (
	VisitScheduled VisitStatus = "scheduled"
	VisitCompleted VisitStatus = "completed"
	VisitMissed    VisitStatus = "missed"
	VisitCancelled VisitStatus = "cancelled"
)

// Valid reports whether s is a known visit status.
func (s VisitStatus) Valid() bool {
	switch s {
	case VisitScheduled, VisitCompleted, VisitMissed, VisitCancelled:
		return true
	}
	return false
}

// Visit is one calendar occurrence of a protocol visit for a subject.
type Visit struct {
	ID         uuid.UUID    `json:"id"`
	SubjectID  uuid.UUID    `json:"subject_id"`
	VisitDate  caldate.Date `json:"visit_date"`
	Status     VisitStatus  `json:"status"`
	TemplateID *uuid.UUID   `json:"template_id,omitempty"`
}

// VisitTemplate is the planned definition of a visit: its day offset from
// the subject's anchor date and the tolerated window around it.
type VisitTemplate struct {
	ID               uuid.UUID `json:"id"`
	StudyID          uuid.UUID `json:"study_id"`
	VisitDayOffset   int       `json:"visit_day_offset"`
	WindowBeforeDays int       `json:"window_before_days"`
	WindowAfterDays  int       `json:"window_after_days"`
	Required         bool      `json:"required"`
}

// TimingResult holds the derived window fields of a visit. Both fields are
// nil when the visit is not completed or the window can not be determined.
type TimingResult struct {
	WithinWindow      *bool `json:"within_window"`
	DaysFromScheduled *int  `json:"days_from_scheduled"`
}

// TargetDate returns the planned calendar day of a template visit.
func TargetDate(t VisitTemplate, anchor caldate.Date) caldate.Date {
	return anchor.AddDays(t.VisitDayOffset)
}

// EvaluateVisit decides whether a completed visit fell inside its protocol
// window. A missing template or anchor date leaves the result unknown rather
// than in-window.
func EvaluateVisit(v Visit, t *VisitTemplate, anchor *caldate.Date) TimingResult {
	if v.Status != VisitCompleted || t == nil || anchor == nil || anchor.IsZero() {
		return TimingResult{}
	}
	days := caldate.DiffDays(TargetDate(*t, *anchor), v.VisitDate)
	within := -t.WindowBeforeDays <= days && days <= t.WindowAfterDays
	return TimingResult{WithinWindow: &within, DaysFromScheduled: &days}
}
