package trial

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ctms/ctms/internal/compliance"
	"github.com/ctms/ctms/internal/platform/caldate"
)

// Fixture is an offline description of one or more studies, used to dry-run
// a protocol design through the compliance engine without a database.
type Fixture struct {
	Through *caldate.Date  `yaml:"through"`
	Studies []FixtureStudy `yaml:"studies"`
}

type FixtureStudy struct {
	Key                        string            `yaml:"key"`
	ProtocolNumber             string            `yaml:"protocol_number"`
	Title                      string            `yaml:"title"`
	ComplianceThresholdPercent *float64          `yaml:"compliance_threshold_percent"`
	DosingFrequency            string            `yaml:"dosing_frequency"`
	CustomDosesPerDay          *float64          `yaml:"custom_doses_per_day"`
	VisitTemplates             []FixtureTemplate `yaml:"visit_templates"`
	Subjects                   []FixtureSubject  `yaml:"subjects"`
}

type FixtureTemplate struct {
	Key              string `yaml:"key"`
	Name             string `yaml:"name"`
	VisitDayOffset   int    `yaml:"visit_day_offset"`
	WindowBeforeDays int    `yaml:"window_before_days"`
	WindowAfterDays  int    `yaml:"window_after_days"`
	Required         bool   `yaml:"required"`
}

type FixtureSubject struct {
	Key        string         `yaml:"key"`
	AnchorDate *caldate.Date  `yaml:"anchor_date"`
	Visits     []FixtureVisit `yaml:"visits"`
	Cycles     []FixtureCycle `yaml:"cycles"`
}

type FixtureVisit struct {
	Template  string       `yaml:"template"`
	VisitDate caldate.Date `yaml:"visit_date"`
	Status    string       `yaml:"status"`
}

type FixtureCycle struct {
	ContainerID    string        `yaml:"container_id"`
	DispensedCount int           `yaml:"dispensed_count"`
	ReturnedCount  int           `yaml:"returned_count"`
	DispensingDate caldate.Date  `yaml:"dispensing_date"`
	LastDoseDate   *caldate.Date `yaml:"last_dose_date"`
	AssessmentDate *caldate.Date `yaml:"assessment_date"`
}

// FixtureResult is the evaluated fixture: every derived record plus the
// aggregate report.
type FixtureResult struct {
	Through    caldate.Date           `json:"through"`
	StudyIDs   map[string]uuid.UUID   `json:"study_ids"`
	Visits     []*ScheduledVisit      `json:"visits"`
	Cycles     []*AccountabilityCycle `json:"cycles"`
	Deviations []*ProtocolDeviation   `json:"deviations"`
	Report     ComplianceReport       `json:"report"`
}

var fixtureNamespace = uuid.MustParse("6f1c1b6e-3d55-4c1e-9a43-2f0a3c7d1e88")

// fixtureID derives a stable id so repeated runs of one fixture agree.
func fixtureID(parts ...string) uuid.UUID {
	name := ""
	for _, p := range parts {
		name += "/" + p
	}
	return uuid.NewSHA1(fixtureNamespace, []byte(name))
}

func LoadFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if len(f.Studies) == 0 {
		return nil, invalidf("fixture has no studies")
	}
	return &f, nil
}

// Evaluate runs every record of the fixture through the engine. through
// overrides the fixture's own through date; with neither set, today is used.
// months and policy behave as in the reporting endpoints.
func (f *Fixture) Evaluate(months int, through *caldate.Date, policy compliance.AlertPolicy) (*FixtureResult, error) {
	end := caldate.Today()
	switch {
	case through != nil && !through.IsZero():
		end = *through
	case f.Through != nil && !f.Through.IsZero():
		end = *f.Through
	}

	res := &FixtureResult{
		Through:    end,
		StudyIDs:   make(map[string]uuid.UUID, len(f.Studies)),
		Visits:     []*ScheduledVisit{},
		Cycles:     []*AccountabilityCycle{},
		Deviations: []*ProtocolDeviation{},
	}
	for _, fs := range f.Studies {
		if err := res.addStudy(fs, end); err != nil {
			return nil, fmt.Errorf("study %s: %w", fs.Key, err)
		}
	}

	visits := make([]compliance.VisitRecord, len(res.Visits))
	for i, v := range res.Visits {
		visits[i] = v.Record()
	}
	cycles := make([]compliance.CycleRecord, len(res.Cycles))
	for i, c := range res.Cycles {
		cycles[i] = c.Record()
	}
	ids := make([]uuid.UUID, 0, len(res.StudyIDs))
	for _, id := range res.StudyIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	res.Report = ComplianceReport{
		Trends:  compliance.BuildTrends(visits, cycles, months, end),
		Studies: compliance.BuildStudyBreakdown(visits, cycles, ids...),
		Alerts:  policy.Build(visits, cycles, 0),
	}
	return res, nil
}

func (res *FixtureResult) addStudy(fs FixtureStudy, end caldate.Date) error {
	if fs.Key == "" {
		return invalidf("study key is required")
	}
	if _, dup := res.StudyIDs[fs.Key]; dup {
		return invalidf("duplicate study key %q", fs.Key)
	}
	study := &Study{
		ID:                         fixtureID("study", fs.Key),
		ProtocolNumber:             fs.ProtocolNumber,
		Title:                      fs.Title,
		ComplianceThresholdPercent: DefaultThresholdPercent,
		DosingFrequency:            fs.DosingFrequency,
		CustomDosesPerDay:          fs.CustomDosesPerDay,
	}
	if fs.ComplianceThresholdPercent != nil {
		study.ComplianceThresholdPercent = *fs.ComplianceThresholdPercent
	}
	if study.DosingFrequency == "" {
		study.DosingFrequency = compliance.FrequencyQD
	}
	if err := validateDosing(study); err != nil {
		return err
	}
	res.StudyIDs[fs.Key] = study.ID

	templates := make(map[string]*VisitTemplate, len(fs.VisitTemplates))
	for _, ft := range fs.VisitTemplates {
		if ft.WindowBeforeDays < 0 || ft.WindowAfterDays < 0 {
			return invalidf("template %q: windows must not be negative", ft.Key)
		}
		templates[ft.Key] = &VisitTemplate{
			ID:               fixtureID("study", fs.Key, "template", ft.Key),
			StudyID:          study.ID,
			Name:             ft.Name,
			VisitDayOffset:   ft.VisitDayOffset,
			WindowBeforeDays: ft.WindowBeforeDays,
			WindowAfterDays:  ft.WindowAfterDays,
			Required:         ft.Required,
		}
	}

	for _, fsub := range fs.Subjects {
		subjectID := fixtureID("study", fs.Key, "subject", fsub.Key)
		for i, fv := range fsub.Visits {
			v, err := fixtureVisit(fv, templates, study.ID, subjectID, fsub.AnchorDate)
			if err != nil {
				return fmt.Errorf("subject %s visit %d: %w", fsub.Key, i, err)
			}
			v.ID = fixtureID("study", fs.Key, "subject", fsub.Key, "visit", fmt.Sprint(i))
			res.Visits = append(res.Visits, v)
			if v.OutOfWindow() {
				d := windowDeviation(v)
				d.ID = fixtureID("study", fs.Key, "subject", fsub.Key, "deviation", fmt.Sprint(i))
				res.Deviations = append(res.Deviations, d)
			}
		}

		var subjectCycles []*AccountabilityCycle
		for _, fc := range fsub.Cycles {
			c := &AccountabilityCycle{
				ID:             fixtureID("study", fs.Key, "subject", fsub.Key, "cycle", fc.ContainerID),
				SubjectID:      subjectID,
				StudyID:        study.ID,
				ContainerID:    fc.ContainerID,
				DispensedCount: fc.DispensedCount,
				ReturnedCount:  fc.ReturnedCount,
				DispensingDate: fc.DispensingDate,
				LastDoseDate:   nonZero(fc.LastDoseDate),
				AssessmentDate: nonZero(fc.AssessmentDate),
				UpdatedAt:      end.Time(),
			}
			if c.ContainerID == "" || c.DispensingDate.IsZero() {
				return invalidf("subject %s: container_id and dispensing_date are required", fsub.Key)
			}
			if err := compliance.CheckDispense(coreCycles(subjectCycles), subjectID, c.ContainerID); err != nil {
				return fmt.Errorf("subject %s: %w", fsub.Key, err)
			}
			if err := c.Evaluate(study); err != nil {
				return fmt.Errorf("subject %s container %s: %w", fsub.Key, c.ContainerID, err)
			}
			subjectCycles = append(subjectCycles, c)
		}
		if _, err := compliance.ReconcileOpenCycle(coreCycles(subjectCycles), subjectID, ""); err != nil {
			return fmt.Errorf("subject %s: %w", fsub.Key, err)
		}
		res.Cycles = append(res.Cycles, subjectCycles...)
	}
	return nil
}

func fixtureVisit(fv FixtureVisit, templates map[string]*VisitTemplate, studyID, subjectID uuid.UUID, anchor *caldate.Date) (*ScheduledVisit, error) {
	if fv.VisitDate.IsZero() {
		return nil, invalidf("visit_date is required")
	}
	v := &ScheduledVisit{
		SubjectID: subjectID,
		StudyID:   studyID,
		VisitDate: fv.VisitDate,
		Status:    compliance.VisitStatus(fv.Status),
	}
	if v.Status == "" {
		v.Status = compliance.VisitCompleted
	}
	if !v.Status.Valid() {
		return nil, invalidf("invalid status: %s", fv.Status)
	}
	var tmpl *VisitTemplate
	if fv.Template != "" {
		tmpl = templates[fv.Template]
		if tmpl == nil {
			return nil, invalidf("unknown template %q", fv.Template)
		}
		v.TemplateID = &tmpl.ID
	}
	v.Evaluate(tmpl, nonZero(anchor))
	return v, nil
}
