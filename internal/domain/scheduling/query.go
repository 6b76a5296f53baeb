package scheduling

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ListFilter selects whose schedule to list. Exactly one of PatientID and
// DoctorID is set.
type ListFilter struct {
	PatientID  string
	DoctorID   string
	SortByTime bool
}

// ListResult carries whichever projection the filter selected; the other
// field is nil.
type ListResult struct {
	ByPatient []*PatientAppointment
	ByDoctor  []*DoctorAppointment
}

// QueryService serves read-only views. Reads run outside any transaction and
// take no locks.
type QueryService struct {
	appts  AppointmentRepository
	dir    DirectoryRepository
	tracer trace.Tracer
}

func NewQueryService(appts AppointmentRepository, dir DirectoryRepository) *QueryService {
	return &QueryService{appts: appts, dir: dir, tracer: otel.Tracer(tracerName)}
}

// List dispatches on the filter. A patient id wins when both are given.
func (q *QueryService) List(ctx context.Context, actor Actor, f ListFilter) (*ListResult, error) {
	switch {
	case strings.TrimSpace(f.PatientID) != "":
		items, err := q.ListByPatient(ctx, actor, f.PatientID, f.SortByTime)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []*PatientAppointment{}
		}
		return &ListResult{ByPatient: items}, nil
	case strings.TrimSpace(f.DoctorID) != "":
		items, err := q.ListByDoctor(ctx, actor, f.DoctorID, f.SortByTime)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []*DoctorAppointment{}
		}
		return &ListResult{ByDoctor: items}, nil
	}
	return nil, missingField("patientId or doctorId")
}

func (q *QueryService) ListByPatient(ctx context.Context, actor Actor, patientID string, sortByTime bool) ([]*PatientAppointment, error) {
	ctx, span := q.tracer.Start(ctx, "scheduling.ListByPatient")
	defer span.End()

	pid, err := parseID("patientId", patientID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("patient.id", pid.String()))
	if !actor.CanListPatient(pid) {
		return nil, ErrForbidden
	}
	items, err := q.appts.ListByPatient(ctx, pid)
	if err != nil {
		return nil, &StoreError{Op: "list by patient", Err: err}
	}
	if sortByTime {
		sort.SliceStable(items, func(i, j int) bool { return items[i].Time.Before(items[j].Time) })
	}
	return items, nil
}

func (q *QueryService) ListByDoctor(ctx context.Context, actor Actor, doctorID string, sortByTime bool) ([]*DoctorAppointment, error) {
	ctx, span := q.tracer.Start(ctx, "scheduling.ListByDoctor")
	defer span.End()

	did, err := parseID("doctorId", doctorID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("doctor.id", did.String()))
	if !actor.CanListDoctor(did) {
		return nil, ErrForbidden
	}
	items, err := q.appts.ListByDoctor(ctx, did)
	if err != nil {
		return nil, &StoreError{Op: "list by doctor", Err: err}
	}
	if sortByTime {
		sort.SliceStable(items, func(i, j int) bool { return items[i].Time.Before(items[j].Time) })
	}
	return items, nil
}

// Availability returns a doctor's bookable window.
func (q *QueryService) Availability(ctx context.Context, doctorID string) (*Doctor, error) {
	did, err := parseID("doctorId", doctorID)
	if err != nil {
		return nil, err
	}
	d, err := q.dir.GetDoctor(ctx, did)
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, &StoreError{Op: "get doctor", Err: err}
	}
	return d, nil
}

// Events returns the audit history of an appointment, including cancelled
// ones. ErrAppointmentNotFound when nothing was ever recorded.
func (q *QueryService) Events(ctx context.Context, actor Actor, appointmentID string) ([]*AppointmentEvent, error) {
	id, err := parseID("id", appointmentID)
	if err != nil {
		return nil, err
	}
	events, err := q.appts.ListEvents(ctx, id)
	if err != nil {
		return nil, &StoreError{Op: "list events", Err: err}
	}
	if len(events) == 0 {
		return nil, ErrAppointmentNotFound
	}
	if !actor.CanActOn(events[0].PatientID, events[0].DoctorID) {
		return nil, ErrForbidden
	}
	return events, nil
}
