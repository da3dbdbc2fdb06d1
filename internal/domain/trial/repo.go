package trial

import (
	"context"

	"github.com/google/uuid"

	"github.com/ctms/ctms/internal/platform/caldate"
)

// Repositories return pgx.ErrNoRows (possibly wrapped) for missing rows.

type StudyRepository interface {
	Create(ctx context.Context, s *Study) error
	GetByID(ctx context.Context, id uuid.UUID) (*Study, error)
	List(ctx context.Context, limit, offset int) ([]*Study, int, error)
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
	UpdateSettings(ctx context.Context, s *Study) error
}

type SubjectRepository interface {
	Create(ctx context.Context, s *Subject) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subject, error)
	// LockByID reads the subject and holds a row lock until the surrounding
	// transaction ends. Container writes for one subject are serialized on it.
	LockByID(ctx context.Context, id uuid.UUID) (*Subject, error)
	ListByStudy(ctx context.Context, studyID uuid.UUID, limit, offset int) ([]*Subject, int, error)
	UpdateAnchorDate(ctx context.Context, id uuid.UUID, anchor *caldate.Date) error
}

type VisitTemplateRepository interface {
	Create(ctx context.Context, t *VisitTemplate) error
	GetByID(ctx context.Context, id uuid.UUID) (*VisitTemplate, error)
	ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*VisitTemplate, error)
}

type VisitRepository interface {
	Create(ctx context.Context, v *ScheduledVisit) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScheduledVisit, error)
	Update(ctx context.Context, v *ScheduledVisit) error
	ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*ScheduledVisit, int, error)
	ListCompletedBySubject(ctx context.Context, subjectID uuid.UUID) ([]*ScheduledVisit, error)
	// ListForReport returns completed visits, optionally limited to one study.
	ListForReport(ctx context.Context, studyID *uuid.UUID) ([]*ScheduledVisit, error)
}

type CycleRepository interface {
	Create(ctx context.Context, c *AccountabilityCycle) error
	GetByID(ctx context.Context, id uuid.UUID) (*AccountabilityCycle, error)
	Update(ctx context.Context, c *AccountabilityCycle) error
	ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*AccountabilityCycle, error)
	ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*AccountabilityCycle, error)
	// ListForReport returns every cycle, optionally limited to one study.
	ListForReport(ctx context.Context, studyID *uuid.UUID) ([]*AccountabilityCycle, error)
}

type DeviationRepository interface {
	// Raise inserts d, or reopens a resolved deviation with the same visit and
	// category. It reports whether the deviation became open; an already open
	// one is left as is.
	Raise(ctx context.Context, d *ProtocolDeviation) (bool, error)
	// Resolve marks the open deviation of a visit and category resolved and
	// returns it, or nil when none is open.
	Resolve(ctx context.Context, visitID uuid.UUID, category string) (*ProtocolDeviation, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]*ProtocolDeviation, error)
}
