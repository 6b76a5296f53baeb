package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Appointment is a booked slot. Existence of the row is the booked state.
type Appointment struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patientId"`
	DoctorID  uuid.UUID `json:"doctorId"`
	Time      WallClock `json:"time"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Doctor is the read-only view of a doctor record.
type Doctor struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Specialty    string    `json:"specialty,omitempty"`
	Availability Window    `json:"availability"`
}

// PatientAppointment is a row of a patient's schedule.
type PatientAppointment struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	Time          WallClock `json:"time"`
	DoctorName    string    `json:"doctorName"`
	Specialty     string    `json:"specialty"`
}

// DoctorAppointment is a row of a doctor's schedule.
type DoctorAppointment struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	Time          WallClock `json:"time"`
	PatientName   string    `json:"patientName"`
	PatientPhone  string    `json:"patientPhone"`
}

// Event actions.
const (
	ActionBooked      = "booked"
	ActionRescheduled = "rescheduled"
	ActionCancelled   = "cancelled"
)

// AppointmentEvent is one entry of the append-only audit log.
type AppointmentEvent struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointmentId"`
	Action        string     `json:"action"`
	PatientID     uuid.UUID  `json:"patientId"`
	DoctorID      uuid.UUID  `json:"doctorId"`
	FromTime      *WallClock `json:"fromTime,omitempty"`
	ToTime        *WallClock `json:"toTime,omitempty"`
	Actor         string     `json:"actor"`
	OccurredAt    time.Time  `json:"occurredAt"`
}

// Roles understood by the capability check.
const (
	RoleAdmin     = "admin"
	RoleScheduler = "scheduler"
	RolePatient   = "patient"
	RoleDoctor    = "doctor"
)

// Actor is the authenticated caller.
type Actor struct {
	Subject string
	Roles   []string
}

func (a Actor) hasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanActOn reports whether the actor may mutate or inspect an appointment
// belonging to patientID with doctorID.
func (a Actor) CanActOn(patientID, doctorID uuid.UUID) bool {
	if a.hasRole(RoleAdmin) || a.hasRole(RoleScheduler) {
		return true
	}
	if a.Subject == "" {
		return false
	}
	if a.hasRole(RolePatient) && a.Subject == patientID.String() {
		return true
	}
	if a.hasRole(RoleDoctor) && a.Subject == doctorID.String() {
		return true
	}
	return false
}

// CanListPatient reports whether the actor may read a patient's schedule.
func (a Actor) CanListPatient(patientID uuid.UUID) bool {
	return a.CanActOn(patientID, uuid.Nil)
}

// CanListDoctor reports whether the actor may read a doctor's schedule.
func (a Actor) CanListDoctor(doctorID uuid.UUID) bool {
	return a.CanActOn(uuid.Nil, doctorID)
}

func (a Actor) label() string {
	if a.Subject == "" {
		return "anonymous"
	}
	return a.Subject
}
