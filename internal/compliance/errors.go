package compliance

import "errors"

var (
	ErrInvalidReturnCount     = errors.New("returned_count must be between 0 and dispensed_count")
	ErrInvalidDispensedCount  = errors.New("dispensed_count must not be negative")
	ErrInvalidThreshold       = errors.New("compliance threshold must be between 0 and 100")
	ErrMultipleOpenCycles     = errors.New("subject has more than one open accountability cycle")
	ErrDuplicateContainer     = errors.New("container already dispensed to subject")
	ErrUnknownDosingFrequency = errors.New("unknown dosing frequency")
	ErrUnsupportedDosing      = errors.New("custom dosing requires a positive doses-per-day override")
)

// IsInputError reports whether err was caused by invalid caller input or
// study configuration rather than by stored data.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidReturnCount) ||
		errors.Is(err, ErrInvalidDispensedCount) ||
		errors.Is(err, ErrInvalidThreshold) ||
		errors.Is(err, ErrUnknownDosingFrequency) ||
		errors.Is(err, ErrUnsupportedDosing)
}

// IsConflict reports whether err is a violation of the accountability
// invariants (one cycle per container, one open cycle per subject).
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateContainer) || errors.Is(err, ErrMultipleOpenCycles)
}
