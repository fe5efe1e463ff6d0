package models

import "github.com/cockroachdb/errors"

// Error taxonomy shared by the planner, the processor and the API.
var (
	// ErrValidation marks bad plan input. Nothing is persisted when it is returned.
	ErrValidation = errors.New("validation error")
	// ErrClaimConflict marks a lost claim race. It is benign.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrInfrastructure marks job-level failures unrelated to individual items.
	ErrInfrastructure = errors.New("infrastructure error")
	// ErrJobNotFound is returned by stores when no row matches an id.
	ErrJobNotFound = errors.New("job not found")
)

// Validationf builds an error marked as ErrValidation.
func Validationf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// Infrastructure marks err as ErrInfrastructure.
func Infrastructure(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrInfrastructure)
}
