package trial

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctms/ctms/internal/platform/caldate"
	"github.com/ctms/ctms/internal/platform/db"
)

type pgRepo struct{ pool *pgxpool.Pool }

func (r *pgRepo) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// =========== Study Repository ===========

type studyRepoPG struct{ pgRepo }

func NewStudyRepoPG(pool *pgxpool.Pool) StudyRepository {
	return &studyRepoPG{pgRepo{pool: pool}}
}

const studyCols = `id, protocol_number, title, status, compliance_threshold_percent,
	dosing_frequency, custom_doses_per_day, created_at, updated_at`

func scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	err := row.Scan(&s.ID, &s.ProtocolNumber, &s.Title, &s.Status, &s.ComplianceThresholdPercent,
		&s.DosingFrequency, &s.CustomDosesPerDay, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *studyRepoPG) Create(ctx context.Context, s *Study) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO study (id, protocol_number, title, status, compliance_threshold_percent,
			dosing_frequency, custom_doses_per_day)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		s.ID, s.ProtocolNumber, s.Title, s.Status, s.ComplianceThresholdPercent,
		s.DosingFrequency, s.CustomDosesPerDay).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *studyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	return scanStudy(r.conn(ctx).QueryRow(ctx, `SELECT `+studyCols+` FROM study WHERE id = $1`, id))
}

func (r *studyRepoPG) List(ctx context.Context, limit, offset int) ([]*Study, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM study`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+studyCols+` FROM study ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows, scanStudy)
	return items, total, err
}

func (r *studyRepoPG) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM study`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *studyRepoPG) UpdateSettings(ctx context.Context, s *Study) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE study SET compliance_threshold_percent=$2, dosing_frequency=$3,
			custom_doses_per_day=$4, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.ComplianceThresholdPercent, s.DosingFrequency, s.CustomDosesPerDay).Scan(&s.UpdatedAt)
}

// =========== Subject Repository ===========

type subjectRepoPG struct{ pgRepo }

func NewSubjectRepoPG(pool *pgxpool.Pool) SubjectRepository {
	return &subjectRepoPG{pgRepo{pool: pool}}
}

const subjectCols = `id, study_id, subject_number, status, enrollment_date, anchor_date, created_at, updated_at`

func scanSubject(row pgx.Row) (*Subject, error) {
	var s Subject
	err := row.Scan(&s.ID, &s.StudyID, &s.SubjectNumber, &s.Status, &s.EnrollmentDate, &s.AnchorDate,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *subjectRepoPG) Create(ctx context.Context, s *Subject) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO subject (id, study_id, subject_number, status, enrollment_date, anchor_date)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		s.ID, s.StudyID, s.SubjectNumber, s.Status, s.EnrollmentDate, s.AnchorDate).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *subjectRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subject, error) {
	return scanSubject(r.conn(ctx).QueryRow(ctx, `SELECT `+subjectCols+` FROM subject WHERE id = $1`, id))
}

func (r *subjectRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*Subject, error) {
	return scanSubject(r.conn(ctx).QueryRow(ctx, `SELECT `+subjectCols+` FROM subject WHERE id = $1 FOR UPDATE`, id))
}

func (r *subjectRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Subject, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM subject WHERE study_id = $1`, studyID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+subjectCols+` FROM subject WHERE study_id = $1
		ORDER BY subject_number LIMIT $2 OFFSET $3`, studyID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows, scanSubject)
	return items, total, err
}

func (r *subjectRepoPG) UpdateAnchorDate(ctx context.Context, id uuid.UUID, anchor *caldate.Date) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE subject SET anchor_date=$2, updated_at=NOW() WHERE id = $1`, id, anchor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// =========== Visit Template Repository ===========

type templateRepoPG struct{ pgRepo }

func NewVisitTemplateRepoPG(pool *pgxpool.Pool) VisitTemplateRepository {
	return &templateRepoPG{pgRepo{pool: pool}}
}

const templateCols = `id, study_id, name, visit_day_offset, window_before_days, window_after_days, required, created_at`

func scanTemplate(row pgx.Row) (*VisitTemplate, error) {
	var t VisitTemplate
	err := row.Scan(&t.ID, &t.StudyID, &t.Name, &t.VisitDayOffset, &t.WindowBeforeDays, &t.WindowAfterDays,
		&t.Required, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *templateRepoPG) Create(ctx context.Context, t *VisitTemplate) error {
	t.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_template (id, study_id, name, visit_day_offset, window_before_days, window_after_days, required)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		t.ID, t.StudyID, t.Name, t.VisitDayOffset, t.WindowBeforeDays, t.WindowAfterDays, t.Required).Scan(&t.CreatedAt)
}

func (r *templateRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*VisitTemplate, error) {
	return scanTemplate(r.conn(ctx).QueryRow(ctx, `SELECT `+templateCols+` FROM visit_template WHERE id = $1`, id))
}

func (r *templateRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*VisitTemplate, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+templateCols+` FROM visit_template WHERE study_id = $1
		ORDER BY visit_day_offset, name`, studyID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTemplate)
}

// =========== Scheduled Visit Repository ===========

type visitRepoPG struct{ pgRepo }

func NewVisitRepoPG(pool *pgxpool.Pool) VisitRepository {
	return &visitRepoPG{pgRepo{pool: pool}}
}

const visitCols = `id, subject_id, study_id, template_id, visit_date, status,
	is_within_window, days_from_scheduled, created_at, updated_at`

func scanVisit(row pgx.Row) (*ScheduledVisit, error) {
	var v ScheduledVisit
	err := row.Scan(&v.ID, &v.SubjectID, &v.StudyID, &v.TemplateID, &v.VisitDate, &v.Status,
		&v.IsWithinWindow, &v.DaysFromScheduled, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *visitRepoPG) Create(ctx context.Context, v *ScheduledVisit) error {
	v.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO scheduled_visit (id, subject_id, study_id, template_id, visit_date, status,
			is_within_window, days_from_scheduled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		v.ID, v.SubjectID, v.StudyID, v.TemplateID, v.VisitDate, string(v.Status),
		v.IsWithinWindow, v.DaysFromScheduled).Scan(&v.CreatedAt, &v.UpdatedAt)
}

func (r *visitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScheduledVisit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM scheduled_visit WHERE id = $1`, id))
}

func (r *visitRepoPG) Update(ctx context.Context, v *ScheduledVisit) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE scheduled_visit SET template_id=$2, visit_date=$3, status=$4,
			is_within_window=$5, days_from_scheduled=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		v.ID, v.TemplateID, v.VisitDate, string(v.Status), v.IsWithinWindow, v.DaysFromScheduled).Scan(&v.UpdatedAt)
}

func (r *visitRepoPG) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*ScheduledVisit, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM scheduled_visit WHERE subject_id = $1`, subjectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+visitCols+` FROM scheduled_visit WHERE subject_id = $1
		ORDER BY visit_date, id LIMIT $2 OFFSET $3`, subjectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows, scanVisit)
	return items, total, err
}

func (r *visitRepoPG) ListCompletedBySubject(ctx context.Context, subjectID uuid.UUID) ([]*ScheduledVisit, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+visitCols+` FROM scheduled_visit
		WHERE subject_id = $1 AND status = 'completed' ORDER BY visit_date, id`, subjectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanVisit)
}

func (r *visitRepoPG) ListForReport(ctx context.Context, studyID *uuid.UUID) ([]*ScheduledVisit, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+visitCols+` FROM scheduled_visit
		WHERE status = 'completed' AND ($1::uuid IS NULL OR study_id = $1)`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list visits for report: %w", err)
	}
	return collect(rows, scanVisit)
}

// =========== Accountability Cycle Repository ===========

type cycleRepoPG struct{ pgRepo }

func NewCycleRepoPG(pool *pgxpool.Pool) CycleRepository {
	return &cycleRepoPG{pgRepo{pool: pool}}
}

const cycleCols = `id, subject_id, study_id, container_id, dispensed_count, returned_count,
	dispensing_date, last_dose_date, assessment_date, actual_taken, expected_taken,
	compliance_percentage, is_compliant, created_at, updated_at`

func scanCycle(row pgx.Row) (*AccountabilityCycle, error) {
	var c AccountabilityCycle
	err := row.Scan(&c.ID, &c.SubjectID, &c.StudyID, &c.ContainerID, &c.DispensedCount, &c.ReturnedCount,
		&c.DispensingDate, &c.LastDoseDate, &c.AssessmentDate, &c.ActualTaken, &c.ExpectedTaken,
		&c.CompliancePercentage, &c.IsCompliant, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.classify()
	return &c, nil
}

func (r *cycleRepoPG) Create(ctx context.Context, c *AccountabilityCycle) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO accountability_cycle (id, subject_id, study_id, container_id, dispensed_count,
			returned_count, dispensing_date, last_dose_date, assessment_date, actual_taken,
			expected_taken, compliance_percentage, is_compliant)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		c.ID, c.SubjectID, c.StudyID, c.ContainerID, c.DispensedCount,
		c.ReturnedCount, c.DispensingDate, c.LastDoseDate, c.AssessmentDate, c.ActualTaken,
		c.ExpectedTaken, c.CompliancePercentage, c.IsCompliant).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *cycleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AccountabilityCycle, error) {
	return scanCycle(r.conn(ctx).QueryRow(ctx, `SELECT `+cycleCols+` FROM accountability_cycle WHERE id = $1`, id))
}

func (r *cycleRepoPG) Update(ctx context.Context, c *AccountabilityCycle) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE accountability_cycle SET dispensed_count=$2, returned_count=$3, dispensing_date=$4,
			last_dose_date=$5, assessment_date=$6, actual_taken=$7, expected_taken=$8,
			compliance_percentage=$9, is_compliant=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.DispensedCount, c.ReturnedCount, c.DispensingDate,
		c.LastDoseDate, c.AssessmentDate, c.ActualTaken, c.ExpectedTaken,
		c.CompliancePercentage, c.IsCompliant).Scan(&c.UpdatedAt)
}

func (r *cycleRepoPG) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*AccountabilityCycle, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cycleCols+` FROM accountability_cycle
		WHERE subject_id = $1 ORDER BY dispensing_date, id`, subjectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanCycle)
}

func (r *cycleRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*AccountabilityCycle, error) {
	// FOR UPDATE keeps concurrent returns from interleaving with a settings change.
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cycleCols+` FROM accountability_cycle
		WHERE study_id = $1 ORDER BY id FOR UPDATE`, studyID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanCycle)
}

func (r *cycleRepoPG) ListForReport(ctx context.Context, studyID *uuid.UUID) ([]*AccountabilityCycle, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cycleCols+` FROM accountability_cycle
		WHERE ($1::uuid IS NULL OR study_id = $1)`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list cycles for report: %w", err)
	}
	return collect(rows, scanCycle)
}

// =========== Protocol Deviation Repository ===========

type deviationRepoPG struct{ pgRepo }

func NewDeviationRepoPG(pool *pgxpool.Pool) DeviationRepository {
	return &deviationRepoPG{pgRepo{pool: pool}}
}

const deviationCols = `id, subject_id, study_id, visit_id, category, description, severity, deviation_date, created_at, resolved_at`

func scanDeviation(row pgx.Row) (*ProtocolDeviation, error) {
	var d ProtocolDeviation
	err := row.Scan(&d.ID, &d.SubjectID, &d.StudyID, &d.VisitID, &d.Category, &d.Description, &d.Severity,
		&d.DeviationDate, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *deviationRepoPG) Raise(ctx context.Context, d *ProtocolDeviation) (bool, error) {
	d.ID = uuid.New()
	d.ResolvedAt = nil
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO protocol_deviation (id, subject_id, study_id, visit_id, category, description, severity, deviation_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (visit_id, category) DO UPDATE SET
			description = EXCLUDED.description, severity = EXCLUDED.severity,
			deviation_date = EXCLUDED.deviation_date, resolved_at = NULL
		WHERE protocol_deviation.resolved_at IS NOT NULL
		RETURNING id, created_at`,
		d.ID, d.SubjectID, d.StudyID, d.VisitID, d.Category, d.Description, d.Severity, d.DeviationDate).Scan(&d.ID, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *deviationRepoPG) Resolve(ctx context.Context, visitID uuid.UUID, category string) (*ProtocolDeviation, error) {
	d, err := scanDeviation(r.conn(ctx).QueryRow(ctx, `
		UPDATE protocol_deviation SET resolved_at = NOW()
		WHERE visit_id = $1 AND category = $2 AND resolved_at IS NULL
		RETURNING `+deviationCols, visitID, category))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (r *deviationRepoPG) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*ProtocolDeviation, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+deviationCols+` FROM protocol_deviation
		WHERE subject_id = $1 ORDER BY deviation_date DESC, id`, subjectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDeviation)
}
