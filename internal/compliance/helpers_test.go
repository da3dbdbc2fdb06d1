package compliance

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ctms/ctms/internal/platform/caldate"
)

func seqID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

func visitRecord(id int, study uuid.UUID, date string, within *bool) VisitRecord {
	r := VisitRecord{
		ID:        seqID(id),
		SubjectID: seqID(1000 + id),
		StudyID:   study,
		VisitDate: caldate.MustParse(date),
		Status:    VisitCompleted,
	}
	if within != nil {
		days := 0
		if !*within {
			days = 5
		}
		r.Timing = TimingResult{WithinWindow: within, DaysFromScheduled: &days}
	}
	return r
}

func cycleRecord(id int, study uuid.UUID, lastDose string, pct float64) CycleRecord {
	expected := 10
	return CycleRecord{
		ID:           seqID(id),
		SubjectID:    seqID(2000 + id),
		StudyID:      study,
		ContainerID:  fmt.Sprintf("C-%03d", id),
		LastDoseDate: datePtr(lastDose),
		UpdatedAt:    time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		Result: CycleResult{
			ExpectedTaken:        &expected,
			CompliancePercentage: pct,
			IsCompliant:          pct >= 80,
		},
	}
}

func openCycleRecord(id int, study uuid.UUID) CycleRecord {
	return CycleRecord{
		ID:          seqID(id),
		StudyID:     study,
		ContainerID: fmt.Sprintf("C-%03d", id),
		UpdatedAt:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Result:      CycleResult{IsCompliant: true, Classification: ClassPending},
	}
}
