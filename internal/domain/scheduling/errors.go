package scheduling

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Callers distinguish them with errors.Is.
var (
	ErrMissingField        = errors.New("missing required field")
	ErrInvalidTimeFormat   = errors.New("invalid time format, expected HH:MM")
	ErrInvalidID           = errors.New("invalid id")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrOutsideAvailability = errors.New("outside doctor availability")
	ErrSlotConflict        = errors.New("time slot already booked")
	ErrForbidden           = errors.New("caller may not act on this appointment")
	ErrStoreFailure        = errors.New("appointment store failure")
)

func missingField(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}

// AvailabilityError reports a requested time outside the doctor's window.
type AvailabilityError struct {
	Requested WallClock
	Window    Window
}

func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("%s: %s not within %s", ErrOutsideAvailability, e.Requested, e.Window)
}

func (e *AvailabilityError) Is(target error) bool {
	return target == ErrOutsideAvailability
}

// StoreError wraps a transaction or connection fault.
type StoreError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreFailure, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFailure
}

// isDomainError reports whether err already carries one of the engine's
// caller-facing kinds and must not be reclassified as a store failure.
func isDomainError(err error) bool {
	for _, kind := range []error{
		ErrMissingField, ErrInvalidTimeFormat, ErrInvalidID,
		ErrDoctorNotFound, ErrPatientNotFound, ErrAppointmentNotFound,
		ErrOutsideAvailability, ErrSlotConflict, ErrForbidden, ErrStoreFailure,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
