package scheduling

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/medbook/scheduler/internal/platform/db"
)

const tracerName = "github.com/medbook/scheduler/internal/domain/scheduling"

// Engine owns the appointment lifecycle: create, reschedule and cancel. Each
// operation runs as one transaction; create and reschedule hold the doctor's
// row lock while they validate and write.
type Engine struct {
	tx        TxRunner
	appts     AppointmentRepository
	dir       DirectoryRepository
	retries   int
	transient func(error) bool
	logger    zerolog.Logger
	tracer    trace.Tracer
}

type EngineOption func(*Engine)

// WithRetries sets how many extra attempts a transient store failure gets.
func WithRetries(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

// WithTransientCheck overrides the transient error classifier.
func WithTransientCheck(fn func(error) bool) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.transient = fn
		}
	}
}

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(tx TxRunner, appts AppointmentRepository, dir DirectoryRepository, opts ...EngineOption) *Engine {
	e := &Engine{
		tx:        tx,
		appts:     appts,
		dir:       dir,
		retries:   1,
		transient: db.IsTransient,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func parseID(field, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, missingField(field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s %q", ErrInvalidID, field, raw)
	}
	return id, nil
}

func parseTime(raw string) (WallClock, error) {
	if strings.TrimSpace(raw) == "" {
		return WallClock{}, missingField("time")
	}
	t, err := ParseWallClock(raw)
	if err != nil {
		return WallClock{}, err
	}
	return t.Truncate(), nil
}

// checkAvailability rejects t when it falls outside the doctor's window. An
// inverted stored window is a data fault and fails as a store error.
func checkAvailability(doc *Doctor, t WallClock) error {
	if !doc.Availability.Valid() {
		return &StoreError{
			Op:  "doctor " + doc.ID.String(),
			Err: fmt.Errorf("availability window %s ends before it starts", doc.Availability),
		}
	}
	if !doc.Availability.Contains(t) {
		return &AvailabilityError{Requested: t, Window: doc.Availability}
	}
	return nil
}

// CreateAppointment books patientID with doctorID at the given time of day.
func (e *Engine) CreateAppointment(ctx context.Context, actor Actor, patientID, doctorID, at string) (*Appointment, error) {
	ctx, span := e.tracer.Start(ctx, "scheduling.CreateAppointment")
	defer span.End()

	// Presence is checked for every field before any is parsed.
	for _, f := range []struct{ name, value string }{
		{"patientId", patientID}, {"doctorId", doctorID}, {"time", at},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, e.fail(span, missingField(f.name))
		}
	}
	pid, err := parseID("patientId", patientID)
	if err != nil {
		return nil, e.fail(span, err)
	}
	did, err := parseID("doctorId", doctorID)
	if err != nil {
		return nil, e.fail(span, err)
	}
	t, err := parseTime(at)
	if err != nil {
		return nil, e.fail(span, err)
	}
	span.SetAttributes(
		attribute.String("patient.id", pid.String()),
		attribute.String("doctor.id", did.String()),
		attribute.String("appointment.time", t.String()),
	)
	if !actor.CanActOn(pid, did) {
		return nil, e.fail(span, ErrForbidden)
	}

	var created *Appointment
	err = e.run(ctx, "create appointment", func(ctx context.Context) error {
		doc, err := e.dir.LockDoctor(ctx, did)
		if err != nil {
			return err
		}
		if err := checkAvailability(doc, t); err != nil {
			return err
		}
		ok, err := e.dir.PatientExists(ctx, pid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPatientNotFound
		}
		taken, err := e.appts.SlotTaken(ctx, did, t, uuid.Nil)
		if err != nil {
			return err
		}
		if taken {
			return ErrSlotConflict
		}

		a := &Appointment{ID: uuid.New(), PatientID: pid, DoctorID: did, Time: t}
		if err := e.appts.Create(ctx, a); err != nil {
			return err
		}
		if err := e.appts.RecordEvent(ctx, &AppointmentEvent{
			AppointmentID: a.ID,
			Action:        ActionBooked,
			PatientID:     pid,
			DoctorID:      did,
			ToTime:        &t,
			Actor:         actor.label(),
		}); err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	span.SetAttributes(attribute.String("appointment.id", created.ID.String()))
	e.logger.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", did.String()).
		Str("time", t.String()).
		Msg("appointment booked")
	return created, nil
}

// RescheduleAppointment moves an appointment to a new time with the same
// doctor. Moving to the time it already holds succeeds without a write.
func (e *Engine) RescheduleAppointment(ctx context.Context, actor Actor, appointmentID, newTime string) (*Appointment, error) {
	ctx, span := e.tracer.Start(ctx, "scheduling.RescheduleAppointment")
	defer span.End()

	id, err := parseID("id", appointmentID)
	if err != nil {
		return nil, e.fail(span, err)
	}
	t, err := parseTime(newTime)
	if err != nil {
		return nil, e.fail(span, err)
	}
	span.SetAttributes(
		attribute.String("appointment.id", id.String()),
		attribute.String("appointment.time", t.String()),
	)

	var updated *Appointment
	err = e.run(ctx, "reschedule appointment", func(ctx context.Context) error {
		a, err := e.appts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !actor.CanActOn(a.PatientID, a.DoctorID) {
			return ErrForbidden
		}
		doc, err := e.dir.LockDoctor(ctx, a.DoctorID)
		if err != nil {
			return err
		}
		if err := checkAvailability(doc, t); err != nil {
			return err
		}
		if a.Time.Equal(t) {
			updated = a
			return nil
		}
		taken, err := e.appts.SlotTaken(ctx, a.DoctorID, t, a.ID)
		if err != nil {
			return err
		}
		if taken {
			return ErrSlotConflict
		}
		if err := e.appts.UpdateTime(ctx, a.ID, t); err != nil {
			return err
		}
		from := a.Time
		if err := e.appts.RecordEvent(ctx, &AppointmentEvent{
			AppointmentID: a.ID,
			Action:        ActionRescheduled,
			PatientID:     a.PatientID,
			DoctorID:      a.DoctorID,
			FromTime:      &from,
			ToTime:        &t,
			Actor:         actor.label(),
		}); err != nil {
			return err
		}
		a.Time = t
		updated = a
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	e.logger.Info().
		Str("appointment_id", id.String()).
		Str("doctor_id", updated.DoctorID.String()).
		Str("time", t.String()).
		Msg("appointment rescheduled")
	return updated, nil
}

// CancelAppointment deletes the appointment and returns the removed record.
func (e *Engine) CancelAppointment(ctx context.Context, actor Actor, appointmentID string) (*Appointment, error) {
	ctx, span := e.tracer.Start(ctx, "scheduling.CancelAppointment")
	defer span.End()

	id, err := parseID("id", appointmentID)
	if err != nil {
		return nil, e.fail(span, err)
	}
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	var removed *Appointment
	err = e.run(ctx, "cancel appointment", func(ctx context.Context) error {
		a, err := e.appts.Delete(ctx, id)
		if err != nil {
			return err
		}
		// Returning an error rolls the delete back.
		if !actor.CanActOn(a.PatientID, a.DoctorID) {
			return ErrForbidden
		}
		from := a.Time
		if err := e.appts.RecordEvent(ctx, &AppointmentEvent{
			AppointmentID: a.ID,
			Action:        ActionCancelled,
			PatientID:     a.PatientID,
			DoctorID:      a.DoctorID,
			FromTime:      &from,
			Actor:         actor.label(),
		}); err != nil {
			return err
		}
		removed = a
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	e.logger.Info().
		Str("appointment_id", id.String()).
		Str("doctor_id", removed.DoctorID.String()).
		Msg("appointment cancelled")
	return removed, nil
}

// run executes fn in a transaction. Store faults are wrapped in StoreError;
// transient ones get up to e.retries further attempts of the whole unit.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := e.tx.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if isDomainError(err) {
			return err
		}

		storeErr := &StoreError{Op: op, Err: err, Transient: e.transient(err)}
		if !storeErr.Transient || attempt >= e.retries || ctx.Err() != nil {
			e.logger.Error().Err(err).
				Str("op", op).
				Int("attempt", attempt+1).
				Bool("transient", storeErr.Transient).
				Msg("store failure")
			return storeErr
		}
		e.logger.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("transient store failure, retrying")
	}
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
