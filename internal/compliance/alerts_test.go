package compliance

import (
	"fmt"
	"reflect"
	"testing"
)

func TestBuildAlerts_Kinds(t *testing.T) {
	s := seqID(900)
	visits := []VisitRecord{
		visitRecord(1, s, "2025-06-03", boolPtr(true)),
		visitRecord(2, s, "2025-06-04", boolPtr(false)),
		visitRecord(3, s, "2025-06-05", nil),
	}
	cycles := []CycleRecord{
		cycleRecord(11, s, "2025-06-01", 80),
		cycleRecord(12, s, "2025-06-02", 100),
		cycleRecord(13, s, "2025-06-06", 79.9),
		cycleRecord(14, s, "2025-06-07", 100.1),
		openCycleRecord(15, s),
	}
	zero := cycleRecord(16, s, "2025-06-08", 0)
	zero.Result.ExpectedTaken = intPtr(0)
	cycles = append(cycles, zero)

	alerts := BuildAlerts(visits, cycles, 0)
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d: %+v", len(alerts), alerts)
	}

	wantIDs := []string{
		"drug_compliance:" + seqID(14).String(),
		"drug_compliance:" + seqID(13).String(),
		"visit_window:" + seqID(2).String(),
	}
	var gotIDs []string
	for _, a := range alerts {
		gotIDs = append(gotIDs, a.ID)
	}
	if !reflect.DeepEqual(gotIDs, wantIDs) {
		t.Errorf("ids = %v, want %v", gotIDs, wantIDs)
	}

	if alerts[0].Severity != SeverityHigh || alerts[0].Kind != AlertDrugCompliance {
		t.Errorf("unexpected cycle alert %+v", alerts[0])
	}
	if alerts[2].Severity != SeverityMedium || alerts[2].Kind != AlertVisitWindow {
		t.Errorf("unexpected visit alert %+v", alerts[2])
	}
	if alerts[2].StudyID != s || alerts[2].RecordID != seqID(2) {
		t.Errorf("alert should reference its record: %+v", alerts[2])
	}
	if alerts[0].Description == "" || alerts[2].Description == "" {
		t.Error("alerts must carry a description")
	}
}

func TestBuildAlerts_TruncatesToNewest(t *testing.T) {
	s := seqID(900)
	var visits []VisitRecord
	var cycles []CycleRecord
	for i := 1; i <= 8; i++ {
		visits = append(visits, visitRecord(i, s, fmt.Sprintf("2025-05-%02d", i), boolPtr(false)))
	}
	for i := 1; i <= 7; i++ {
		cycles = append(cycles, cycleRecord(100+i, s, fmt.Sprintf("2025-05-%02d", 10+i), 40))
	}

	alerts := BuildAlerts(visits, cycles, 0)
	if len(alerts) != 10 {
		t.Fatalf("expected 10 alerts, got %d", len(alerts))
	}
	for i := 1; i < len(alerts); i++ {
		if alerts[i].Timestamp.After(alerts[i-1].Timestamp) {
			t.Fatalf("alerts not newest first at %d", i)
		}
	}
	if got := alerts[0].Timestamp.Format("2006-01-02"); got != "2025-05-17" {
		t.Errorf("newest alert = %s, want 2025-05-17", got)
	}
	if got := alerts[9].Timestamp.Format("2006-01-02"); got != "2025-05-06" {
		t.Errorf("oldest kept alert = %s, want 2025-05-06", got)
	}

	if got := BuildAlerts(visits, cycles, 3); len(got) != 3 {
		t.Errorf("expected 3 alerts, got %d", len(got))
	}
}

func TestBuildAlerts_TiesBrokenByRecordID(t *testing.T) {
	s := seqID(900)
	visits := []VisitRecord{
		visitRecord(7, s, "2025-05-01", boolPtr(false)),
		visitRecord(3, s, "2025-05-01", boolPtr(false)),
	}
	cycles := []CycleRecord{cycleRecord(5, s, "2025-05-01", 10)}

	alerts := BuildAlerts(visits, cycles, 10)
	want := []string{seqID(3).String(), seqID(5).String(), seqID(7).String()}
	for i, a := range alerts {
		if a.RecordID.String() != want[i] {
			t.Errorf("alert %d record = %s, want %s", i, a.RecordID, want[i])
		}
	}
}

func TestBuildAlerts_EmptyIsNonNil(t *testing.T) {
	alerts := BuildAlerts(nil, nil, 10)
	if alerts == nil || len(alerts) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", alerts)
	}
}

func TestAlertPolicy_CustomBounds(t *testing.T) {
	s := seqID(900)
	cycles := []CycleRecord{
		cycleRecord(1, s, "2025-05-01", 85),
		cycleRecord(2, s, "2025-05-02", 115),
	}
	p := AlertPolicy{LowPercent: 90, HighPercent: 120, MaxCount: 5}
	alerts := p.Build(nil, cycles, 0)
	if len(alerts) != 1 || alerts[0].RecordID != seqID(1) {
		t.Errorf("expected only the low cycle to alert, got %+v", alerts)
	}
}

func TestAggregations_AreDeterministic(t *testing.T) {
	a, b := seqID(901), seqID(902)
	visits := []VisitRecord{
		visitRecord(1, b, "2025-05-01", boolPtr(false)),
		visitRecord(2, a, "2025-05-01", boolPtr(true)),
		visitRecord(3, a, "2025-05-02", boolPtr(false)),
	}
	cycles := []CycleRecord{
		cycleRecord(4, a, "2025-05-01", 20),
		cycleRecord(5, b, "2025-05-02", 120),
	}
	reversedVisits := []VisitRecord{visits[2], visits[1], visits[0]}
	reversedCycles := []CycleRecord{cycles[1], cycles[0]}

	if !reflect.DeepEqual(BuildAlerts(visits, cycles, 10), BuildAlerts(reversedVisits, reversedCycles, 10)) {
		t.Error("alerts depend on input order")
	}
	if !reflect.DeepEqual(BuildStudyBreakdown(visits, cycles), BuildStudyBreakdown(reversedVisits, reversedCycles)) {
		t.Error("breakdown depends on input order")
	}
}
