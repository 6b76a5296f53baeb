package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medbook/scheduler/internal/platform/db"
)

const (
	constraintDoctorTime  = "appointment_doctor_time_key"
	constraintPatientFKey = "appointment_patient_fkey"
	constraintDoctorFKey  = "appointment_doctor_fkey"

	appointmentCols = `id, patient_id, doctor_id, time::text, created_at, updated_at`
	eventCols       = `id, appointment_id, action, patient_id, doctor_id,
	from_time::text, to_time::text, actor, occurred_at`
)

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a   Appointment
		raw string
	)
	if err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &raw, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	t, err := decodeStoredTime("appointment "+a.ID.String(), raw)
	if err != nil {
		return nil, err
	}
	a.Time = t
	return &a, nil
}

// mapWriteError turns constraint violations into domain errors.
func mapWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err) && db.ConstraintName(err) == constraintDoctorTime:
		return ErrSlotConflict
	case db.IsForeignKeyViolation(err) && db.ConstraintName(err) == constraintPatientFKey:
		return ErrPatientNotFound
	case db.IsForeignKeyViolation(err) && db.ConstraintName(err) == constraintDoctorFKey:
		return ErrDoctorNotFound
	}
	return err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, time)
		VALUES ($1, $2, $3, $4::time)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.Time.SQL()).Scan(&a.CreatedAt, &a.UpdatedAt)
	return mapWriteError(err)
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+appointmentCols+` FROM appointment WHERE id = $1 FOR UPDATE`, id))
}

func (r *appointmentRepoPG) UpdateTime(ctx context.Context, id uuid.UUID, t WallClock) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE appointment SET time = $2::time, updated_at = NOW() WHERE id = $1`, id, t.SQL())
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx,
		`DELETE FROM appointment WHERE id = $1 RETURNING `+appointmentCols, id))
}

func (r *appointmentRepoPG) SlotTaken(ctx context.Context, doctorID uuid.UUID, t WallClock, excludeID uuid.UUID) (bool, error) {
	var taken bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointment
			WHERE doctor_id = $1
			  AND time = $2::time
			  AND id <> $3
		)`, doctorID, t.SQL(), excludeID).Scan(&taken)
	return taken, err
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*PatientAppointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, a.time::text, d.name, COALESCE(d.specialty, '')
		FROM appointment a
		JOIN doctor d ON d.id = a.doctor_id
		WHERE a.patient_id = $1
		ORDER BY a.created_at, a.id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*PatientAppointment
	for rows.Next() {
		var (
			it  PatientAppointment
			raw string
		)
		if err := rows.Scan(&it.AppointmentID, &raw, &it.DoctorName, &it.Specialty); err != nil {
			return nil, err
		}
		if it.Time, err = decodeStoredTime("appointment "+it.AppointmentID.String(), raw); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*DoctorAppointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, a.time::text, p.name, COALESCE(p.phone, '')
		FROM appointment a
		JOIN patient p ON p.id = a.patient_id
		WHERE a.doctor_id = $1
		ORDER BY a.created_at, a.id`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*DoctorAppointment
	for rows.Next() {
		var (
			it  DoctorAppointment
			raw string
		)
		if err := rows.Scan(&it.AppointmentID, &raw, &it.PatientName, &it.PatientPhone); err != nil {
			return nil, err
		}
		if it.Time, err = decodeStoredTime("appointment "+it.AppointmentID.String(), raw); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func optionalSQL(w *WallClock) *string {
	if w == nil {
		return nil
	}
	s := w.SQL()
	return &s
}

// decodeStoredTime parses a TIME column. A value that does not parse is a
// data fault, so it is reported as a store failure rather than as invalid
// caller input.
func decodeStoredTime(owner, raw string) (WallClock, error) {
	w, err := ParseWallClock(raw)
	if err != nil {
		return WallClock{}, &StoreError{
			Op:  "decode " + owner,
			Err: fmt.Errorf("stored time %q is not a valid time of day", raw),
		}
	}
	return w, nil
}

func optionalWallClock(owner string, raw *string) (*WallClock, error) {
	if raw == nil {
		return nil, nil
	}
	w, err := decodeStoredTime(owner, *raw)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *appointmentRepoPG) RecordEvent(ctx context.Context, ev *AppointmentEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment_event (id, appointment_id, action, patient_id, doctor_id, from_time, to_time, actor)
		VALUES ($1, $2, $3, $4, $5, $6::time, $7::time, $8)
		RETURNING occurred_at`,
		ev.ID, ev.AppointmentID, ev.Action, ev.PatientID, ev.DoctorID,
		optionalSQL(ev.FromTime), optionalSQL(ev.ToTime), ev.Actor).Scan(&ev.OccurredAt)
}

func (r *appointmentRepoPG) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]*AppointmentEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+eventCols+`
		FROM appointment_event WHERE appointment_id = $1
		ORDER BY occurred_at, id`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*AppointmentEvent
	for rows.Next() {
		var (
			ev       AppointmentEvent
			from, to *string
		)
		if err := rows.Scan(&ev.ID, &ev.AppointmentID, &ev.Action, &ev.PatientID, &ev.DoctorID,
			&from, &to, &ev.Actor, &ev.OccurredAt); err != nil {
			return nil, err
		}
		owner := "event " + ev.ID.String()
		if ev.FromTime, err = optionalWallClock(owner, from); err != nil {
			return nil, err
		}
		if ev.ToTime, err = optionalWallClock(owner, to); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// =========== Directory Repository ===========

type directoryRepoPG struct{ pool *pgxpool.Pool }

func NewDirectoryRepoPG(pool *pgxpool.Pool) DirectoryRepository {
	return &directoryRepoPG{pool: pool}
}

func (r *directoryRepoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const doctorCols = `id, name, COALESCE(phone, ''), COALESCE(specialty, ''), avfrom::text, avto::text`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var (
		d        Doctor
		from, to string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Specialty, &from, &to); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	var err error
	owner := "doctor " + d.ID.String() + " availability"
	if d.Availability.From, err = decodeStoredTime(owner, from); err != nil {
		return nil, err
	}
	if d.Availability.To, err = decodeStoredTime(owner, to); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *directoryRepoPG) LockDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1 FOR UPDATE`, id))
}

func (r *directoryRepoPG) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
}

func (r *directoryRepoPG) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}
