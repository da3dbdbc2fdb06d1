package compliance

import (
	"bytes"
	"math"
	"sort"

	"github.com/google/uuid"
)

// StudyBreakdownRow summarizes visit timing and drug compliance for one study.
type StudyBreakdownRow struct {
	StudyID              uuid.UUID `json:"study_id"`
	EligibleVisits       int       `json:"eligible_visits"`
	WithinWindowVisits   int       `json:"within_window_visits"`
	TimingComplianceRate float64   `json:"timing_compliance_rate"`
	EvaluatedCycles      int       `json:"evaluated_cycles"`
	AvgDrugCompliance    float64   `json:"avg_drug_compliance"`
	OverallScore         int       `json:"overall_score"`
}

// BuildStudyBreakdown produces one row per study found in visits or cycles,
// plus one for each extra study id, ordered by study id.
//
// Each cycle's percentage is capped at 100 before averaging so a single
// over-consuming subject can not lift the study mean. The overall score is
// the rounded mean of the timing rate and the drug average.
func BuildStudyBreakdown(visits []VisitRecord, cycles []CycleRecord, studyIDs ...uuid.UUID) []StudyBreakdownRow {
	type acc struct {
		eligible int
		within   int
		drug     meanAcc
	}
	byStudy := make(map[uuid.UUID]*acc)
	get := func(id uuid.UUID) *acc {
		a, ok := byStudy[id]
		if !ok {
			a = &acc{}
			byStudy[id] = a
		}
		return a
	}

	for _, id := range studyIDs {
		get(id)
	}
	for _, v := range visits {
		a := get(v.StudyID)
		if !v.Eligible() {
			continue
		}
		a.eligible++
		if *v.Timing.WithinWindow {
			a.within++
		}
	}
	for _, c := range cycles {
		a := get(c.StudyID)
		if !c.Evaluated() {
			continue
		}
		a.drug.add(math.Min(c.Result.CompliancePercentage, 100))
	}

	rows := make([]StudyBreakdownRow, 0, len(byStudy))
	for id, a := range byStudy {
		var timing float64
		if a.eligible > 0 {
			timing = float64(a.within) / float64(a.eligible) * 100
		}
		drug := a.drug.mean()
		rows = append(rows, StudyBreakdownRow{
			StudyID:              id,
			EligibleVisits:       a.eligible,
			WithinWindowVisits:   a.within,
			TimingComplianceRate: roundTo(timing, 1),
			EvaluatedCycles:      a.drug.n,
			AvgDrugCompliance:    roundTo(drug, 1),
			OverallScore:         int(math.Round((timing + drug) / 2)),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return bytes.Compare(rows[i].StudyID[:], rows[j].StudyID[:]) < 0
	})
	return rows
}
