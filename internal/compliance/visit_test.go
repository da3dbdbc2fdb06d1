package compliance

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ctms/ctms/internal/platform/caldate"
)

func week2Template() *VisitTemplate {
	return &VisitTemplate{ID: uuid.New(), StudyID: uuid.New(), VisitDayOffset: 14, WindowBeforeDays: 3, WindowAfterDays: 3, Required: true}
}

func completedVisit(date string) Visit {
	return Visit{ID: uuid.New(), SubjectID: uuid.New(), VisitDate: caldate.MustParse(date), Status: VisitCompleted}
}

func TestTargetDate(t *testing.T) {
	got := TargetDate(*week2Template(), caldate.MustParse("2025-01-01"))
	if got.String() != "2025-01-15" {
		t.Errorf("expected 2025-01-15, got %s", got)
	}
}

func TestEvaluateVisit_Window(t *testing.T) {
	anchor := caldate.MustParse("2025-01-01")
	tmpl := week2Template()
	tests := []struct {
		date   string
		days   int
		within bool
	}{
		{"2025-01-11", -4, false},
		{"2025-01-12", -3, true},
		{"2025-01-15", 0, true},
		{"2025-01-18", 3, true},
		{"2025-01-19", 4, false},
	}
	for _, tt := range tests {
		res := EvaluateVisit(completedVisit(tt.date), tmpl, &anchor)
		if res.WithinWindow == nil || res.DaysFromScheduled == nil {
			t.Fatalf("%s: expected a determined window, got %+v", tt.date, res)
		}
		if *res.DaysFromScheduled != tt.days {
			t.Errorf("%s: days = %d, want %d", tt.date, *res.DaysFromScheduled, tt.days)
		}
		if *res.WithinWindow != tt.within {
			t.Errorf("%s: within = %v, want %v", tt.date, *res.WithinWindow, tt.within)
		}
	}
}

func TestEvaluateVisit_ZeroWidthWindow(t *testing.T) {
	anchor := caldate.MustParse("2025-01-01")
	tmpl := &VisitTemplate{VisitDayOffset: 0}
	res := EvaluateVisit(completedVisit("2025-01-01"), tmpl, &anchor)
	if res.WithinWindow == nil || !*res.WithinWindow {
		t.Errorf("same day visit must be in a zero width window, got %+v", res)
	}
	res = EvaluateVisit(completedVisit("2025-01-02"), tmpl, &anchor)
	if res.WithinWindow == nil || *res.WithinWindow {
		t.Errorf("next day visit must be outside a zero width window, got %+v", res)
	}
}

func TestEvaluateVisit_UnknownWindowIsNull(t *testing.T) {
	anchor := caldate.MustParse("2025-01-01")
	v := completedVisit("2025-01-15")

	if res := EvaluateVisit(v, nil, &anchor); res.WithinWindow != nil || res.DaysFromScheduled != nil {
		t.Errorf("missing template must yield nulls, got %+v", res)
	}
	if res := EvaluateVisit(v, week2Template(), nil); res.WithinWindow != nil || res.DaysFromScheduled != nil {
		t.Errorf("missing anchor must yield nulls, got %+v", res)
	}
	zero := caldate.Date{}
	if res := EvaluateVisit(v, week2Template(), &zero); res.WithinWindow != nil {
		t.Errorf("zero anchor must yield nulls, got %+v", res)
	}
}

func TestEvaluateVisit_NotCompletedIsNull(t *testing.T) {
	anchor := caldate.MustParse("2025-01-01")
	for _, status := range []VisitStatus{VisitScheduled, VisitMissed, VisitCancelled} {
		v := completedVisit("2025-01-15")
		v.Status = status
		res := EvaluateVisit(v, week2Template(), &anchor)
		if res.WithinWindow != nil || res.DaysFromScheduled != nil {
			t.Errorf("%s: expected nulls, got %+v", status, res)
		}
	}
}

func TestVisitStatus_Valid(t *testing.T) {
	if !VisitCompleted.Valid() || !VisitMissed.Valid() {
		t.Error("expected known statuses to be valid")
	}
	if VisitStatus("done").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}
