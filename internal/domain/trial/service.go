package trial

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ctms/ctms/internal/compliance"
	"github.com/ctms/ctms/internal/platform/cache"
	"github.com/ctms/ctms/internal/platform/caldate"
	"github.com/ctms/ctms/internal/platform/events"
)

var (
	// ErrInvalidInput marks request validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrOpenCycleExists is returned when a container is dispensed while the
	// subject still holds an unreturned one.
	ErrOpenCycleExists = errors.New("subject already has an open container")
	// ErrNoOpenCycle is returned when a return finds no matching open container.
	ErrNoOpenCycle = errors.New("no open container to return")
)

type validationError struct{ msg string }

func (e validationError) Error() string        { return e.msg }
func (e validationError) Is(target error) bool { return target == ErrInvalidInput }

func invalidf(format string, args ...interface{}) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

// TxFunc runs fn inside a transaction carried by the context.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// ReportCache stores computed reports. *cache.Cache satisfies it.
type ReportCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) error
}

const (
	reportKeyPattern      = "report:*"
	DefaultMaxTrendMonths = 36

	// Statuses given to new rows when the request leaves them empty. The
	// schema uses the same column defaults.
	DefaultStudyStatus   = "planning"
	DefaultSubjectStatus = "enrolled"
)

var (
	validStudyStatuses   = map[string]bool{"planning": true, "active": true, "closed": true}
	validSubjectStatuses = map[string]bool{"screening": true, "enrolled": true, "completed": true, "withdrawn": true}
)

type Service struct {
	studies    StudyRepository
	subjects   SubjectRepository
	templates  VisitTemplateRepository
	visits     VisitRepository
	cycles     CycleRepository
	deviations DeviationRepository

	runTx          TxFunc
	cache          ReportCache
	cacheTTL       time.Duration
	publisher      events.Publisher
	policy         compliance.AlertPolicy
	maxTrendMonths int
	logger         zerolog.Logger
	today          func() caldate.Date
}

func NewService(
	studies StudyRepository,
	subjects SubjectRepository,
	templates VisitTemplateRepository,
	visits VisitRepository,
	cycles CycleRepository,
	deviations DeviationRepository,
) *Service {
	return &Service{
		studies:        studies,
		subjects:       subjects,
		templates:      templates,
		visits:         visits,
		cycles:         cycles,
		deviations:     deviations,
		runTx:          func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) },
		publisher:      events.NoopPublisher{},
		policy:         compliance.DefaultAlertPolicy(),
		maxTrendMonths: DefaultMaxTrendMonths,
		logger:         zerolog.Nop(),
		today:          caldate.Today,
	}
}

// SetTxRunner makes every write run inside the given transaction runner.
func (s *Service) SetTxRunner(fn TxFunc) {
	if fn != nil {
		s.runTx = fn
	}
}

// SetCache attaches a report cache. ttl of zero uses the cache default.
func (s *Service) SetCache(c ReportCache, ttl time.Duration) {
	s.cache = c
	s.cacheTTL = ttl
}

func (s *Service) SetPublisher(p events.Publisher) {
	if p != nil {
		s.publisher = p
	}
}

func (s *Service) SetAlertPolicy(p compliance.AlertPolicy) {
	s.policy = p
}

func (s *Service) SetTrendMaxMonths(n int) {
	if n > 0 {
		s.maxTrendMonths = n
	}
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// -- write plumbing --

type pendingEvent struct {
	eventType string
	subjectID uuid.UUID
	studyID   uuid.UUID
	data      interface{}
}

type outbox struct{ events []pendingEvent }

func (o *outbox) add(eventType string, subjectID, studyID uuid.UUID, data interface{}) {
	o.events = append(o.events, pendingEvent{eventType, subjectID, studyID, data})
}

// write runs fn in a transaction. Events collected by fn are published and
// cached reports dropped only after the commit succeeds.
func (s *Service) write(ctx context.Context, fn func(ctx context.Context, ob *outbox) error) error {
	var ob outbox
	err := s.runTx(ctx, func(ctx context.Context) error {
		ob = outbox{}
		return fn(ctx, &ob)
	})
	if err != nil {
		return err
	}
	s.afterCommit(ctx, ob)
	return nil
}

func (s *Service) afterCommit(ctx context.Context, ob outbox) {
	if s.cache != nil {
		if err := s.cache.DeletePattern(ctx, reportKeyPattern); err != nil {
			s.logger.Error().Err(err).Msg("failed to invalidate report cache")
		}
	}
	for _, ev := range ob.events {
		if err := s.publisher.Publish(ctx, ev.eventType, ev.subjectID, ev.studyID, ev.data); err != nil {
			s.logger.Error().Err(err).
				Str("event_type", ev.eventType).
				Str("subject_id", ev.subjectID.String()).
				Msg("failed to publish compliance event")
		}
	}
}

// -- Study --

func (s *Service) CreateStudy(ctx context.Context, st *Study) error {
	if st.ProtocolNumber == "" {
		return invalidf("protocol_number is required")
	}
	if st.Title == "" {
		return invalidf("title is required")
	}
	if st.Status == "" {
		st.Status = DefaultStudyStatus
	}
	if !validStudyStatuses[st.Status] {
		return invalidf("invalid status: %s", st.Status)
	}
	if st.DosingFrequency == "" {
		st.DosingFrequency = compliance.FrequencyQD
	}
	if err := validateDosing(st); err != nil {
		return err
	}
	return s.write(ctx, func(ctx context.Context, _ *outbox) error {
		return s.studies.Create(ctx, st)
	})
}

func validateDosing(st *Study) error {
	t := st.ComplianceThresholdPercent
	if math.IsNaN(t) || t < 0 || t > 100 {
		return fmt.Errorf("%w: got %v", compliance.ErrInvalidThreshold, t)
	}
	freq, err := compliance.NormalizeFrequency(st.DosingFrequency)
	if err != nil {
		return err
	}
	st.DosingFrequency = freq
	_, err = st.DosesPerDay()
	return err
}

func (s *Service) GetStudy(ctx context.Context, id uuid.UUID) (*Study, error) {
	return s.studies.GetByID(ctx, id)
}

func (s *Service) ListStudies(ctx context.Context, limit, offset int) ([]*Study, int, error) {
	return s.studies.List(ctx, limit, offset)
}

// UpdateStudySettings changes the threshold or dosing of a study and
// re-evaluates every accountability cycle under the new settings.
func (s *Service) UpdateStudySettings(ctx context.Context, id uuid.UUID, in StudySettings) (*Study, error) {
	var study *Study
	err := s.write(ctx, func(ctx context.Context, ob *outbox) error {
		var err error
		study, err = s.studies.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if in.ComplianceThresholdPercent != nil {
			study.ComplianceThresholdPercent = *in.ComplianceThresholdPercent
		}
		if in.DosingFrequency != nil {
			study.DosingFrequency = *in.DosingFrequency
		}
		if in.CustomDosesPerDay != nil {
			study.CustomDosesPerDay = in.CustomDosesPerDay
		}
		if err := validateDosing(study); err != nil {
			return err
		}
		if err := s.studies.UpdateSettings(ctx, study); err != nil {
			return err
		}

		cycles, err := s.cycles.ListByStudy(ctx, study.ID)
		if err != nil {
			return err
		}
		for _, c := range cycles {
			prev := *c
			if err := c.Evaluate(study); err != nil {
				return fmt.Errorf("re-evaluate cycle %s: %w", c.ID, err)
			}
			if c.sameResult(&prev) {
				continue
			}
			if err := s.cycles.Update(ctx, c); err != nil {
				return err
			}
			ob.add(events.TypeCycleEvaluated, c.SubjectID, c.StudyID, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return study, nil
}

// -- Subject --

func (s *Service) EnrollSubject(ctx context.Context, sub *Subject) error {
	if sub.StudyID == uuid.Nil {
		return invalidf("study_id is required")
	}
	if sub.SubjectNumber == "" {
		return invalidf("subject_number is required")
	}
	if sub.Status == "" {
		sub.Status = DefaultSubjectStatus
	}
	if !validSubjectStatuses[sub.Status] {
		return invalidf("invalid status: %s", sub.Status)
	}
	return s.write(ctx, func(ctx context.Context, _ *outbox) error {
		if _, err := s.studies.GetByID(ctx, sub.StudyID); err != nil {
			return err
		}
		return s.subjects.Create(ctx, sub)
	})
}

func (s *Service) GetSubject(ctx context.Context, id uuid.UUID) (*Subject, error) {
	return s.subjects.GetByID(ctx, id)
}

func (s *Service) ListSubjectsByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Subject, int, error) {
	return s.subjects.ListByStudy(ctx, studyID, limit, offset)
}

// SetAnchorDate moves day 0 of a subject's schedule and recomputes the window
// fields of its completed visits. A nil anchor clears it.
func (s *Service) SetAnchorDate(ctx context.Context, id uuid.UUID, anchor *caldate.Date) (*Subject, error) {
	if anchor != nil && anchor.IsZero() {
		anchor = nil
	}
	var sub *Subject
	err := s.write(ctx, func(ctx context.Context, ob *outbox) error {
		var err error
		sub, err = s.subjects.LockByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.subjects.UpdateAnchorDate(ctx, id, anchor); err != nil {
			return err
		}
		sub.AnchorDate = anchor

		visits, err := s.visits.ListCompletedBySubject(ctx, id)
		if err != nil {
			return err
		}
		templates := make(map[uuid.UUID]*VisitTemplate)
		for _, v := range visits {
			var tmpl *VisitTemplate
			if v.TemplateID != nil {
				if tmpl = templates[*v.TemplateID]; tmpl == nil {
					if tmpl, err = s.templates.GetByID(ctx, *v.TemplateID); err != nil {
						return fmt.Errorf("load template %s: %w", *v.TemplateID, err)
					}
					templates[*v.TemplateID] = tmpl
				}
			}
			prevWithin, prevDays := v.IsWithinWindow, v.DaysFromScheduled
			v.Evaluate(tmpl, anchor)
			if equalBoolPtr(prevWithin, v.IsWithinWindow) && equalIntPtr(prevDays, v.DaysFromScheduled) {
				continue
			}
			if err := s.persistVisit(ctx, v, ob); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func equalBoolPtr(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// -- Visit Template --

func (s *Service) CreateVisitTemplate(ctx context.Context, t *VisitTemplate) error {
	if t.StudyID == uuid.Nil {
		return invalidf("study_id is required")
	}
	if t.Name == "" {
		return invalidf("name is required")
	}
	if t.WindowBeforeDays < 0 || t.WindowAfterDays < 0 {
		return invalidf("window_before_days and window_after_days must not be negative")
	}
	return s.write(ctx, func(ctx context.Context, _ *outbox) error {
		if _, err := s.studies.GetByID(ctx, t.StudyID); err != nil {
			return err
		}
		return s.templates.Create(ctx, t)
	})
}

func (s *Service) ListVisitTemplates(ctx context.Context, studyID uuid.UUID) ([]*VisitTemplate, error) {
	return s.templates.ListByStudy(ctx, studyID)
}

// -- Scheduled Visit --

// resolveTemplate loads a visit template and checks it belongs to the
// subject's study. A nil id yields a nil template.
func (s *Service) resolveTemplate(ctx context.Context, sub *Subject, id *uuid.UUID) (*VisitTemplate, error) {
	if id == nil {
		return nil, nil
	}
	tmpl, err := s.templates.GetByID(ctx, *id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, invalidf("template_id %s not found", *id)
	}
	if err != nil {
		return nil, err
	}
	if tmpl.StudyID != sub.StudyID {
		return nil, invalidf("template_id %s belongs to another study", *id)
	}
	return tmpl, nil
}

func (s *Service) ScheduleVisit(ctx context.Context, v *ScheduledVisit) error {
	if v.SubjectID == uuid.Nil {
		return invalidf("subject_id is required")
	}
	if v.VisitDate.IsZero() {
		return invalidf("visit_date is required")
	}
	if v.Status == "" {
		v.Status = compliance.VisitScheduled
	}
	if !v.Status.Valid() {
		return invalidf("invalid status: %s", v.Status)
	}
	return s.write(ctx, func(ctx context.Context, ob *outbox) error {
		sub, err := s.subjects.GetByID(ctx, v.SubjectID)
		if err != nil {
			return err
		}
		v.StudyID = sub.StudyID
		tmpl, err := s.resolveTemplate(ctx, sub, v.TemplateID)
		if err != nil {
			return err
		}
		v.Evaluate(tmpl, sub.AnchorDate)
		if err := s.visits.Create(ctx, v); err != nil {
			return err
		}
		return s.afterVisitChange(ctx, v, ob)
	})
}

func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*ScheduledVisit, error) {
	return s.visits.GetByID(ctx, id)
}

func (s *Service) ListVisitsBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*ScheduledVisit, int, error) {
	return s.visits.ListBySubject(ctx, subjectID, limit, offset)
}

// UpdateVisit applies a partial update and recomputes the window fields.
func (s *Service) UpdateVisit(ctx context.Context, id uuid.UUID, upd VisitUpdate) (*ScheduledVisit, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, invalidf("invalid status: %s", *upd.Status)
	}
	if upd.VisitDate != nil && upd.VisitDate.IsZero() {
		return nil, invalidf("visit_date must not be empty")
	}
	var v *ScheduledVisit
	err := s.write(ctx, func(ctx context.Context, ob *outbox) error {
		var err error
		v, err = s.visits.GetByID(ctx, id)
		if err != nil {
			return err
		}
		sub, err := s.subjects.GetByID(ctx, v.SubjectID)
		if err != nil {
			return err
		}
		if upd.Status != nil {
			v.Status = *upd.Status
		}
		if upd.VisitDate != nil {
			v.VisitDate = *upd.VisitDate
		}
		if upd.TemplateID != nil {
			v.TemplateID = upd.TemplateID
		}
		tmpl, err := s.resolveTemplate(ctx, sub, v.TemplateID)
		if err != nil {
			return err
		}
		v.Evaluate(tmpl, sub.AnchorDate)
		return s.persistVisit(ctx, v, ob)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// CompleteVisit marks a visit completed, optionally on a new date.
func (s *Service) CompleteVisit(ctx context.Context, id uuid.UUID, date *caldate.Date) (*ScheduledVisit, error) {
	status := compliance.VisitCompleted
	return s.UpdateVisit(ctx, id, VisitUpdate{Status: &status, VisitDate: date})
}

func (s *Service) persistVisit(ctx context.Context, v *ScheduledVisit, ob *outbox) error {
	if err := s.visits.Update(ctx, v); err != nil {
		return err
	}
	return s.afterVisitChange(ctx, v, ob)
}

// afterVisitChange queues the evaluation event of a completed visit and keeps
// its window deviation in step: raised while the visit is out of window,
// resolved once a recompute puts it back inside or it is no longer completed.
func (s *Service) afterVisitChange(ctx context.Context, v *ScheduledVisit, ob *outbox) error {
	if v.Status == compliance.VisitCompleted {
		ob.add(events.TypeVisitEvaluated, v.SubjectID, v.StudyID, v)
	}
	if !v.OutOfWindow() {
		d, err := s.deviations.Resolve(ctx, v.ID, DeviationVisitWindow)
		if err != nil {
			return fmt.Errorf("resolve deviation: %w", err)
		}
		if d != nil {
			ob.add(events.TypeDeviationResolved, d.SubjectID, d.StudyID, d)
		}
		return nil
	}
	d := windowDeviation(v)
	raised, err := s.deviations.Raise(ctx, d)
	if err != nil {
		return fmt.Errorf("raise deviation: %w", err)
	}
	if raised {
		ob.add(events.TypeDeviationRaised, d.SubjectID, d.StudyID, d)
	}
	return nil
}

// -- Accountability Cycle --

// openCycle returns the subject's single open cycle, or nil. Several open
// cycles are logged as a data-quality problem and returned as an error.
func (s *Service) openCycle(cycles []*AccountabilityCycle, subjectID uuid.UUID, containerID string) (*AccountabilityCycle, error) {
	open, err := compliance.ReconcileOpenCycle(coreCycles(cycles), subjectID, containerID)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject_id", subjectID.String()).Msg("data quality: multiple open accountability cycles")
		return nil, err
	}
	if open == nil {
		return nil, nil
	}
	for _, c := range cycles {
		if c.ID == open.ID {
			return c, nil
		}
	}
	return nil, nil
}

// DispenseContainer starts a new accountability cycle for a subject.
func (s *Service) DispenseContainer(ctx context.Context, subjectID uuid.UUID, req DispenseRequest) (*AccountabilityCycle, error) {
	if req.ContainerID == "" {
		return nil, invalidf("container_id is required")
	}
	if req.DispensedCount <= 0 {
		return nil, invalidf("dispensed_count must be positive")
	}
	if req.DispensingDate.IsZero() {
		return nil, invalidf("dispensing_date is required")
	}
	var c *AccountabilityCycle
	err := s.write(ctx, func(ctx context.Context, ob *outbox) error {
		sub, err := s.subjects.LockByID(ctx, subjectID)
		if err != nil {
			return err
		}
		study, err := s.studies.GetByID(ctx, sub.StudyID)
		if err != nil {
			return err
		}
		existing, err := s.cycles.ListBySubject(ctx, subjectID)
		if err != nil {
			return err
		}
		if err := compliance.CheckDispense(coreCycles(existing), subjectID, req.ContainerID); err != nil {
			return err
		}
		open, err := s.openCycle(existing, subjectID, "")
		if err != nil {
			return err
		}
		if open != nil {
			return fmt.Errorf("%w: %s", ErrOpenCycleExists, open.ContainerID)
		}

		c = &AccountabilityCycle{
			SubjectID:      subjectID,
			StudyID:        sub.StudyID,
			ContainerID:    req.ContainerID,
			DispensedCount: req.DispensedCount,
			DispensingDate: req.DispensingDate,
		}
		if err := c.Evaluate(study); err != nil {
			return err
		}
		if err := s.cycles.Create(ctx, c); err != nil {
			return err
		}
		ob.add(events.TypeCycleEvaluated, c.SubjectID, c.StudyID, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ReturnContainer closes the subject's open cycle and evaluates it.
func (s *Service) ReturnContainer(ctx context.Context, subjectID uuid.UUID, req ReturnRequest) (*AccountabilityCycle, error) {
	if req.ReturnedCount < 0 {
		return nil, fmt.Errorf("%w: got %d", compliance.ErrInvalidReturnCount, req.ReturnedCount)
	}
	if req.LastDoseDate != nil && req.LastDoseDate.IsZero() {
		req.LastDoseDate = nil
	}
	if req.LastDoseDate == nil && req.ReturnedCount == 0 {
		return nil, invalidf("last_dose_date or a positive returned_count is required")
	}
	if req.AssessmentDate == nil || req.AssessmentDate.IsZero() {
		today := s.today()
		req.AssessmentDate = &today
	}

	var c *AccountabilityCycle
	err := s.write(ctx, func(ctx context.Context, ob *outbox) error {
		sub, err := s.subjects.LockByID(ctx, subjectID)
		if err != nil {
			return err
		}
		study, err := s.studies.GetByID(ctx, sub.StudyID)
		if err != nil {
			return err
		}
		cycles, err := s.cycles.ListBySubject(ctx, subjectID)
		if err != nil {
			return err
		}
		c, err = s.openCycle(cycles, subjectID, req.ContainerID)
		if err != nil {
			return err
		}
		if c == nil {
			if req.ContainerID != "" {
				return fmt.Errorf("%w: container %s", ErrNoOpenCycle, req.ContainerID)
			}
			return ErrNoOpenCycle
		}

		c.ReturnedCount = req.ReturnedCount
		c.LastDoseDate = req.LastDoseDate
		c.AssessmentDate = req.AssessmentDate
		if err := c.Evaluate(study); err != nil {
			return err
		}
		if err := s.cycles.Update(ctx, c); err != nil {
			return err
		}
		ob.add(events.TypeCycleEvaluated, c.SubjectID, c.StudyID, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CorrectCycle re-enters the counts and dates of a cycle and re-evaluates it.
func (s *Service) CorrectCycle(ctx context.Context, id uuid.UUID, corr CycleCorrection) (*AccountabilityCycle, error) {
	if corr.DispensingDate.IsZero() {
		return nil, invalidf("dispensing_date is required")
	}
	var c *AccountabilityCycle
	err := s.write(ctx, func(ctx context.Context, ob *outbox) error {
		var err error
		c, err = s.cycles.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if _, err := s.subjects.LockByID(ctx, c.SubjectID); err != nil {
			return err
		}
		study, err := s.studies.GetByID(ctx, c.StudyID)
		if err != nil {
			return err
		}
		c.DispensedCount = corr.DispensedCount
		c.ReturnedCount = corr.ReturnedCount
		c.DispensingDate = corr.DispensingDate
		c.LastDoseDate = nonZero(corr.LastDoseDate)
		c.AssessmentDate = nonZero(corr.AssessmentDate)
		if err := c.Evaluate(study); err != nil {
			return err
		}

		if c.core().IsOpen() {
			siblings, err := s.cycles.ListBySubject(ctx, c.SubjectID)
			if err != nil {
				return err
			}
			for _, o := range siblings {
				if o.ID != c.ID && o.core().IsOpen() {
					return fmt.Errorf("%w: %s", ErrOpenCycleExists, o.ContainerID)
				}
			}
		}

		if err := s.cycles.Update(ctx, c); err != nil {
			return err
		}
		ob.add(events.TypeCycleEvaluated, c.SubjectID, c.StudyID, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func nonZero(d *caldate.Date) *caldate.Date {
	if d == nil || d.IsZero() {
		return nil
	}
	return d
}

func (s *Service) GetCycle(ctx context.Context, id uuid.UUID) (*AccountabilityCycle, error) {
	return s.cycles.GetByID(ctx, id)
}

func (s *Service) ListCyclesBySubject(ctx context.Context, subjectID uuid.UUID) ([]*AccountabilityCycle, error) {
	return s.cycles.ListBySubject(ctx, subjectID)
}

// OpenCycle returns the subject's open container, or nil when every
// container has been returned.
func (s *Service) OpenCycle(ctx context.Context, subjectID uuid.UUID) (*AccountabilityCycle, error) {
	cycles, err := s.cycles.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return s.openCycle(cycles, subjectID, "")
}

// -- Protocol Deviation --

func (s *Service) ListDeviationsBySubject(ctx context.Context, subjectID uuid.UUID) ([]*ProtocolDeviation, error) {
	return s.deviations.ListBySubject(ctx, subjectID)
}

// -- Reporting --

func scopeKey(studyID *uuid.UUID) string {
	if studyID == nil {
		return "all"
	}
	return studyID.String()
}

func (s *Service) loadRecords(ctx context.Context, studyID *uuid.UUID) ([]compliance.VisitRecord, []compliance.CycleRecord, error) {
	var (
		visits []*ScheduledVisit
		cycles []*AccountabilityCycle
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		visits, err = s.visits.ListForReport(gctx, studyID)
		return err
	})
	g.Go(func() error {
		var err error
		cycles, err = s.cycles.ListForReport(gctx, studyID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	vr := make([]compliance.VisitRecord, len(visits))
	for i, v := range visits {
		vr[i] = v.Record()
	}
	cr := make([]compliance.CycleRecord, len(cycles))
	for i, c := range cycles {
		cr[i] = c.Record()
	}
	return vr, cr, nil
}

// cachedReport serves key from the report cache, building and storing it on
// a miss. Cache failures are logged and fall through to build.
func cachedReport[T any](ctx context.Context, s *Service, key string, build func() (T, error)) (T, error) {
	var out T
	if s.cache != nil {
		err := s.cache.Get(ctx, key, &out)
		if err == nil {
			return out, nil
		}
		if !cache.IsMiss(err) {
			s.logger.Error().Err(err).Str("key", key).Msg("report cache read failed")
		}
	}
	out, err := build()
	if err != nil {
		return out, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, out, s.cacheTTL); err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("report cache write failed")
		}
	}
	return out, nil
}

// Trends returns the monthly compliance series ending with the current month.
// months <= 0 selects the default window; larger values are capped.
func (s *Service) Trends(ctx context.Context, studyID *uuid.UUID, months int) (compliance.TrendSeries, error) {
	if months <= 0 {
		months = compliance.DefaultTrendMonths
	}
	if months > s.maxTrendMonths {
		months = s.maxTrendMonths
	}
	through := s.today()
	key := cache.Key("report", "trends", scopeKey(studyID), strconv.Itoa(months), through.String())
	return cachedReport(ctx, s, key, func() (compliance.TrendSeries, error) {
		visits, cycles, err := s.loadRecords(ctx, studyID)
		if err != nil {
			return compliance.TrendSeries{}, err
		}
		return compliance.BuildTrends(visits, cycles, months, through), nil
	})
}

// StudyBreakdown returns one row per study, including studies with no data.
func (s *Service) StudyBreakdown(ctx context.Context) ([]compliance.StudyBreakdownRow, error) {
	key := cache.Key("report", "studies", "all")
	return cachedReport(ctx, s, key, func() ([]compliance.StudyBreakdownRow, error) {
		var (
			ids    []uuid.UUID
			visits []compliance.VisitRecord
			cycles []compliance.CycleRecord
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			ids, err = s.studies.ListIDs(gctx)
			return err
		})
		g.Go(func() error {
			var err error
			visits, cycles, err = s.loadRecords(gctx, nil)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return compliance.BuildStudyBreakdown(visits, cycles, ids...), nil
	})
}

// Alerts returns the most recent visit window and drug compliance alerts.
// limit <= 0 uses the policy's maximum.
func (s *Service) Alerts(ctx context.Context, studyID *uuid.UUID, limit int) ([]compliance.Alert, error) {
	if limit <= 0 {
		limit = s.policy.MaxCount
	}
	key := cache.Key("report", "alerts", scopeKey(studyID), strconv.Itoa(limit))
	return cachedReport(ctx, s, key, func() ([]compliance.Alert, error) {
		visits, cycles, err := s.loadRecords(ctx, studyID)
		if err != nil {
			return nil, err
		}
		return s.policy.Build(visits, cycles, limit), nil
	})
}
