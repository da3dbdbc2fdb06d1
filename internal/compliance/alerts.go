package compliance

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type AlertKind string

const (
	AlertVisitWindow    AlertKind = "visit_window"
	AlertDrugCompliance AlertKind = "drug_compliance"
)

type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is a recomputed-on-read projection of one out-of-window visit or one
// out-of-range accountability cycle. Alerts are never stored.
type Alert struct {
	ID          string    `json:"id"`
	Kind        AlertKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	RecordID    uuid.UUID `json:"record_id"`
	SubjectID   uuid.UUID `json:"subject_id"`
	StudyID     uuid.UUID `json:"study_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertPolicy holds the bounds used to raise drug compliance alerts.
type AlertPolicy struct {
	LowPercent  float64
	HighPercent float64
	MaxCount    int
}

// DefaultAlertPolicy alerts below 80% and above 100%, keeping the 10 most
// recent alerts.
func DefaultAlertPolicy() AlertPolicy {
	return AlertPolicy{LowPercent: 80, HighPercent: 100, MaxCount: 10}
}

// BuildAlerts applies the default policy.
func BuildAlerts(visits []VisitRecord, cycles []CycleRecord, maxCount int) []Alert {
	return DefaultAlertPolicy().Build(visits, cycles, maxCount)
}

// Build emits a medium alert per completed out-of-window visit and a high
// alert per evaluated cycle outside [LowPercent, HighPercent]. The result is
// newest first, ties broken by record id, and holds at most maxCount alerts
// across both kinds.
func (p AlertPolicy) Build(visits []VisitRecord, cycles []CycleRecord, maxCount int) []Alert {
	if maxCount <= 0 {
		maxCount = p.MaxCount
	}
	if maxCount <= 0 {
		maxCount = DefaultAlertPolicy().MaxCount
	}

	alerts := make([]Alert, 0)
	for _, v := range visits {
		if !v.Eligible() || *v.Timing.WithinWindow {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          string(AlertVisitWindow) + ":" + v.ID.String(),
			Kind:        AlertVisitWindow,
			Severity:    SeverityMedium,
			Description: describeVisit(v),
			RecordID:    v.ID,
			SubjectID:   v.SubjectID,
			StudyID:     v.StudyID,
			Timestamp:   v.VisitDate.Time(),
		})
	}

	for _, c := range cycles {
		if !c.Result.HasExpectation() {
			continue
		}
		pct := c.Result.CompliancePercentage
		if pct >= p.LowPercent && pct <= p.HighPercent {
			continue
		}
		alerts = append(alerts, Alert{
			ID:          string(AlertDrugCompliance) + ":" + c.ID.String(),
			Kind:        AlertDrugCompliance,
			Severity:    SeverityHigh,
			Description: p.describeCycle(c),
			RecordID:    c.ID,
			SubjectID:   c.SubjectID,
			StudyID:     c.StudyID,
			Timestamp:   c.BucketDate().Time(),
		})
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].Timestamp.After(alerts[j].Timestamp)
		}
		return bytes.Compare(alerts[i].RecordID[:], alerts[j].RecordID[:]) < 0
	})

	if len(alerts) > maxCount {
		alerts = alerts[:maxCount]
	}
	return alerts
}

func describeVisit(v VisitRecord) string {
	days := 0
	if v.Timing.DaysFromScheduled != nil {
		days = *v.Timing.DaysFromScheduled
	}
	switch {
	case days > 0:
		return fmt.Sprintf("Visit on %s completed %d day(s) after its target date, outside the protocol window", v.VisitDate, days)
	case days < 0:
		return fmt.Sprintf("Visit on %s completed %d day(s) before its target date, outside the protocol window", v.VisitDate, -days)
	}
	return fmt.Sprintf("Visit on %s completed outside the protocol window", v.VisitDate)
}

func (p AlertPolicy) describeCycle(c CycleRecord) string {
	pct := c.Result.CompliancePercentage
	if pct < p.LowPercent {
		return fmt.Sprintf("Container %s compliance %.1f%% is below %.0f%%", c.ContainerID, pct, p.LowPercent)
	}
	return fmt.Sprintf("Container %s compliance %.1f%% exceeds %.0f%% (possible over-consumption)", c.ContainerID, pct, p.HighPercent)
}
