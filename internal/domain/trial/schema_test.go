package trial

import (
	"regexp"
	"testing"

	"github.com/ctms/ctms/internal/compliance"
	"github.com/ctms/ctms/migrations"
)

// statusDefault returns the DEFAULT of the status column in the CREATE TABLE
// statement of table.
func statusDefault(t *testing.T, schema, table string) string {
	t.Helper()
	block := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS ` + table + ` \((.*?)\n\);`).FindStringSubmatch(schema)
	if block == nil {
		t.Fatalf("table %s not found in schema", table)
	}
	m := regexp.MustCompile(`\n\s*status\s+VARCHAR\(\d+\) NOT NULL DEFAULT '([a-z_]+)'`).FindStringSubmatch(block[1])
	if m == nil {
		t.Fatalf("no status default on table %s", table)
	}
	return m[1]
}

func TestSchema_StatusDefaultsMatchService(t *testing.T) {
	raw, err := migrations.FS.ReadFile("001_trial_core.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	schema := string(raw)

	tests := []struct {
		table string
		want  string
	}{
		{"study", DefaultStudyStatus},
		{"subject", DefaultSubjectStatus},
		{"scheduled_visit", string(compliance.VisitScheduled)},
	}
	for _, tt := range tests {
		if got := statusDefault(t, schema, tt.table); got != tt.want {
			t.Errorf("%s.status defaults to %q in the schema, service uses %q", tt.table, got, tt.want)
		}
	}
}

func TestSchema_DeviationsCanBeResolved(t *testing.T) {
	raw, err := migrations.FS.ReadFile("001_trial_core.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if !regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS protocol_deviation \(.*?resolved_at\s+TIMESTAMPTZ,`).Match(raw) {
		t.Error("protocol_deviation needs a nullable resolved_at column")
	}
}
