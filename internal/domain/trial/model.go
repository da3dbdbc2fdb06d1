package trial

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ctms/ctms/internal/compliance"
	"github.com/ctms/ctms/internal/platform/caldate"
)

const (
	DefaultThresholdPercent = 80.0
	DeviationVisitWindow    = "visit-window"
	DeviationSeverityMinor  = "minor"
)

// Study maps to the study table.
type Study struct {
	ID                         uuid.UUID `db:"id" json:"id"`
	ProtocolNumber             string    `db:"protocol_number" json:"protocol_number"`
	Title                      string    `db:"title" json:"title"`
	Status                     string    `db:"status" json:"status"`
	ComplianceThresholdPercent float64   `db:"compliance_threshold_percent" json:"compliance_threshold_percent"`
	DosingFrequency            string    `db:"dosing_frequency" json:"dosing_frequency"`
	CustomDosesPerDay          *float64  `db:"custom_doses_per_day" json:"custom_doses_per_day,omitempty"`
	CreatedAt                  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time `db:"updated_at" json:"updated_at"`
}

// DosesPerDay resolves the study's dosing frequency.
func (s *Study) DosesPerDay() (float64, error) {
	return compliance.DosesPerDay(s.DosingFrequency, s.CustomDosesPerDay)
}

// Subject maps to the subject table. AnchorDate is day 0 of the visit
// schedule (usually randomization).
type Subject struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	StudyID        uuid.UUID     `db:"study_id" json:"study_id"`
	SubjectNumber  string        `db:"subject_number" json:"subject_number"`
	Status         string        `db:"status" json:"status"`
	EnrollmentDate *caldate.Date `db:"enrollment_date" json:"enrollment_date,omitempty"`
	AnchorDate     *caldate.Date `db:"anchor_date" json:"anchor_date,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// VisitTemplate maps to the visit_template table.
type VisitTemplate struct {
	ID               uuid.UUID `db:"id" json:"id"`
	StudyID          uuid.UUID `db:"study_id" json:"study_id"`
	Name             string    `db:"name" json:"name"`
	VisitDayOffset   int       `db:"visit_day_offset" json:"visit_day_offset"`
	WindowBeforeDays int       `db:"window_before_days" json:"window_before_days"`
	WindowAfterDays  int       `db:"window_after_days" json:"window_after_days"`
	Required         bool      `db:"required" json:"required"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

func (t *VisitTemplate) core() compliance.VisitTemplate {
	return compliance.VisitTemplate{
		ID:               t.ID,
		StudyID:          t.StudyID,
		VisitDayOffset:   t.VisitDayOffset,
		WindowBeforeDays: t.WindowBeforeDays,
		WindowAfterDays:  t.WindowAfterDays,
		Required:         t.Required,
	}
}

// ScheduledVisit maps to the scheduled_visit table. IsWithinWindow and
// DaysFromScheduled are derived and rewritten on every change.
type ScheduledVisit struct {
	ID                uuid.UUID              `db:"id" json:"id"`
	SubjectID         uuid.UUID              `db:"subject_id" json:"subject_id"`
	StudyID           uuid.UUID              `db:"study_id" json:"study_id"`
	TemplateID        *uuid.UUID             `db:"template_id" json:"template_id,omitempty"`
	VisitDate         caldate.Date           `db:"visit_date" json:"visit_date"`
	Status            compliance.VisitStatus `db:"status" json:"status"`
	IsWithinWindow    *bool                  `db:"is_within_window" json:"is_within_window"`
	DaysFromScheduled *int                   `db:"days_from_scheduled" json:"days_from_scheduled"`
	CreatedAt         time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time              `db:"updated_at" json:"updated_at"`
}

// Evaluate recomputes the derived window fields. tmpl and anchor may be nil.
func (v *ScheduledVisit) Evaluate(tmpl *VisitTemplate, anchor *caldate.Date) {
	var t *compliance.VisitTemplate
	if tmpl != nil {
		c := tmpl.core()
		t = &c
	}
	res := compliance.EvaluateVisit(compliance.Visit{
		ID:         v.ID,
		SubjectID:  v.SubjectID,
		VisitDate:  v.VisitDate,
		Status:     v.Status,
		TemplateID: v.TemplateID,
	}, t, anchor)
	v.IsWithinWindow = res.WithinWindow
	v.DaysFromScheduled = res.DaysFromScheduled
}

// OutOfWindow reports whether the visit was completed outside its window.
func (v *ScheduledVisit) OutOfWindow() bool {
	return v.Status == compliance.VisitCompleted && v.IsWithinWindow != nil && !*v.IsWithinWindow
}

func (v *ScheduledVisit) Record() compliance.VisitRecord {
	return compliance.VisitRecord{
		ID:        v.ID,
		SubjectID: v.SubjectID,
		StudyID:   v.StudyID,
		VisitDate: v.VisitDate,
		Status:    v.Status,
		Timing: compliance.TimingResult{
			WithinWindow:      v.IsWithinWindow,
			DaysFromScheduled: v.DaysFromScheduled,
		},
	}
}

// AccountabilityCycle maps to the accountability_cycle table: one container
// from dispense to return, with its derived compliance fields.
type AccountabilityCycle struct {
	ID                   uuid.UUID     `db:"id" json:"id"`
	SubjectID            uuid.UUID     `db:"subject_id" json:"subject_id"`
	StudyID              uuid.UUID     `db:"study_id" json:"study_id"`
	ContainerID          string        `db:"container_id" json:"container_id"`
	DispensedCount       int           `db:"dispensed_count" json:"dispensed_count"`
	ReturnedCount        int           `db:"returned_count" json:"returned_count"`
	DispensingDate       caldate.Date  `db:"dispensing_date" json:"dispensing_date"`
	LastDoseDate         *caldate.Date `db:"last_dose_date" json:"last_dose_date,omitempty"`
	AssessmentDate       *caldate.Date `db:"assessment_date" json:"assessment_date,omitempty"`
	ActualTaken          int           `db:"actual_taken" json:"actual_taken"`
	ExpectedTaken        *int          `db:"expected_taken" json:"expected_taken"`
	CompliancePercentage float64       `db:"compliance_percentage" json:"compliance_percentage"`
	IsCompliant          bool          `db:"is_compliant" json:"is_compliant"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`

	Classification compliance.Classification `db:"-" json:"classification"`
}

func (c *AccountabilityCycle) core() compliance.Cycle {
	return compliance.Cycle{
		ID:             c.ID,
		SubjectID:      c.SubjectID,
		ContainerID:    c.ContainerID,
		DispensedCount: c.DispensedCount,
		ReturnedCount:  c.ReturnedCount,
		DispensingDate: c.DispensingDate,
		LastDoseDate:   c.LastDoseDate,
		AssessmentDate: c.AssessmentDate,
	}
}

// Evaluate recomputes the derived fields using the study's dosing settings.
func (c *AccountabilityCycle) Evaluate(study *Study) error {
	dosesPerDay, err := study.DosesPerDay()
	if err != nil {
		return err
	}
	res, err := compliance.EvaluateCycle(c.core(), dosesPerDay, study.ComplianceThresholdPercent)
	if err != nil {
		return err
	}
	c.ActualTaken = res.ActualTaken
	c.ExpectedTaken = res.ExpectedTaken
	c.CompliancePercentage = res.CompliancePercentage
	c.IsCompliant = res.IsCompliant
	c.Classification = res.Classification
	return nil
}

// classify restores the classification of a row read back from storage.
func (c *AccountabilityCycle) classify() {
	switch {
	case c.ExpectedTaken == nil:
		c.Classification = compliance.ClassPending
	case !c.IsCompliant:
		c.Classification = compliance.ClassNonCompliant
	case c.CompliancePercentage > 100:
		c.Classification = compliance.ClassOverConsumption
	default:
		c.Classification = compliance.ClassCompliant
	}
}

func (c *AccountabilityCycle) sameResult(o *AccountabilityCycle) bool {
	return c.ActualTaken == o.ActualTaken &&
		equalIntPtr(c.ExpectedTaken, o.ExpectedTaken) &&
		math.Abs(c.CompliancePercentage-o.CompliancePercentage) < 1e-9 &&
		c.IsCompliant == o.IsCompliant
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (c *AccountabilityCycle) Record() compliance.CycleRecord {
	return compliance.CycleRecord{
		ID:             c.ID,
		SubjectID:      c.SubjectID,
		StudyID:        c.StudyID,
		ContainerID:    c.ContainerID,
		LastDoseDate:   c.LastDoseDate,
		AssessmentDate: c.AssessmentDate,
		UpdatedAt:      c.UpdatedAt,
		Result: compliance.CycleResult{
			ActualTaken:          c.ActualTaken,
			ExpectedTaken:        c.ExpectedTaken,
			CompliancePercentage: c.CompliancePercentage,
			IsCompliant:          c.IsCompliant,
			Classification:       c.Classification,
		},
	}
}

func coreCycles(cycles []*AccountabilityCycle) []compliance.Cycle {
	out := make([]compliance.Cycle, len(cycles))
	for i, c := range cycles {
		out[i] = c.core()
	}
	return out
}

// ProtocolDeviation maps to the protocol_deviation table.
type ProtocolDeviation struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	SubjectID     uuid.UUID    `db:"subject_id" json:"subject_id"`
	StudyID       uuid.UUID    `db:"study_id" json:"study_id"`
	VisitID       *uuid.UUID   `db:"visit_id" json:"visit_id,omitempty"`
	Category      string       `db:"category" json:"category"`
	Description   string       `db:"description" json:"description"`
	Severity      string       `db:"severity" json:"severity"`
	DeviationDate caldate.Date `db:"deviation_date" json:"deviation_date"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	// ResolvedAt is set once the visit no longer deviates. The row is kept.
	ResolvedAt    *time.Time   `db:"resolved_at" json:"resolved_at,omitempty"`
}

// windowDeviation describes an out-of-window visit as a protocol deviation.
func windowDeviation(v *ScheduledVisit) *ProtocolDeviation {
	visitID := v.ID
	days := 0
	if v.DaysFromScheduled != nil {
		days = *v.DaysFromScheduled
	}
	return &ProtocolDeviation{
		SubjectID:     v.SubjectID,
		StudyID:       v.StudyID,
		VisitID:       &visitID,
		Category:      DeviationVisitWindow,
		Description:   fmt.Sprintf("Visit on %s completed %+d day(s) from its target date, outside the protocol window", v.VisitDate, days),
		Severity:      DeviationSeverityMinor,
		DeviationDate: v.VisitDate,
	}
}

// StudySettings is a partial update of a study's compliance configuration.
type StudySettings struct {
	ComplianceThresholdPercent *float64 `json:"compliance_threshold_percent"`
	DosingFrequency            *string  `json:"dosing_frequency"`
	CustomDosesPerDay          *float64 `json:"custom_doses_per_day"`
}

// VisitUpdate is a partial update of a scheduled visit.
type VisitUpdate struct {
	Status     *compliance.VisitStatus `json:"status"`
	VisitDate  *caldate.Date           `json:"visit_date"`
	TemplateID *uuid.UUID              `json:"template_id"`
}

type DispenseRequest struct {
	ContainerID    string       `json:"container_id"`
	DispensedCount int          `json:"dispensed_count"`
	DispensingDate caldate.Date `json:"dispensing_date"`
}

// ReturnRequest closes the subject's open container. ContainerID is optional
// and, when set, must match the open container.
type ReturnRequest struct {
	ContainerID    string        `json:"container_id"`
	ReturnedCount  int           `json:"returned_count"`
	LastDoseDate   *caldate.Date `json:"last_dose_date"`
	AssessmentDate *caldate.Date `json:"assessment_date"`
}

// CycleCorrection re-enters the counts and dates of a cycle. Nil dates are
// stored as NULL.
type CycleCorrection struct {
	DispensedCount int           `json:"dispensed_count"`
	ReturnedCount  int           `json:"returned_count"`
	DispensingDate caldate.Date  `json:"dispensing_date"`
	LastDoseDate   *caldate.Date `json:"last_dose_date"`
	AssessmentDate *caldate.Date `json:"assessment_date"`
}

// ComplianceReport bundles the three aggregate views.
type ComplianceReport struct {
	Trends  compliance.TrendSeries         `json:"trends"`
	Studies []compliance.StudyBreakdownRow `json:"studies"`
	Alerts  []compliance.Alert             `json:"alerts"`
}
