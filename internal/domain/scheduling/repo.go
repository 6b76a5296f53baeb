package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// TxRunner runs fn inside a single store transaction. Repository calls made
// with the ctx passed to fn join that transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	// GetForUpdate reads the appointment and locks its row until the
	// enclosing transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateTime(ctx context.Context, id uuid.UUID, t WallClock) error
	// Delete removes the row and returns it. ErrAppointmentNotFound when no
	// row matched.
	Delete(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// SlotTaken reports whether doctorID already holds an appointment at t,
	// ignoring excludeID.
	SlotTaken(ctx context.Context, doctorID uuid.UUID, t WallClock, excludeID uuid.UUID) (bool, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*PatientAppointment, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*DoctorAppointment, error)
	RecordEvent(ctx context.Context, ev *AppointmentEvent) error
	ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]*AppointmentEvent, error)
}

// DirectoryRepository reads doctor and patient records owned elsewhere.
type DirectoryRepository interface {
	// LockDoctor reads the doctor and holds a row lock until the enclosing
	// transaction ends. Serializes bookings for one doctor.
	LockDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
}
