package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- In-memory store --

type memTxKey struct{}

type memPatient struct {
	name  string
	phone string
}

// memTx is the state of one in-memory transaction: doctor locks it holds,
// undo steps applied on rollback and the repository calls it made.
type memTx struct {
	held  map[uuid.UUID]*sync.Mutex
	undo  []func()
	calls []string
}

// memStore implements TxRunner and both repositories. Like the Postgres
// store it has no global transaction lock: LockDoctor takes a per-doctor
// lock held until the transaction ends, and mu only guards map access.
type memStore struct {
	mu       sync.Mutex
	doctors  map[uuid.UUID]*Doctor
	patients map[uuid.UUID]memPatient
	appts    map[uuid.UUID]Appointment
	order    []uuid.UUID
	events   []*AppointmentEvent
	docLocks map[uuid.UUID]*sync.Mutex

	// uniqueSlots mirrors the UNIQUE (doctor_id, time) index. Tests turn it
	// off to check the engine's own lock and slot check.
	uniqueSlots bool
	// writeDelay widens the window between the slot check and the insert.
	writeDelay time.Duration
	// beginErrs are returned, one per call, by WithTx before fn runs.
	beginErrs []error
	// failOn makes the named repository method fail.
	failOn  map[string]error
	txCount int
	// txCalls holds the call list of every committed or rolled back transaction.
	txCalls [][]string
	clock   time.Time
}

func newMemStore() *memStore {
	return &memStore{
		doctors:     make(map[uuid.UUID]*Doctor),
		patients:    make(map[uuid.UUID]memPatient),
		appts:       make(map[uuid.UUID]Appointment),
		docLocks:    make(map[uuid.UUID]*sync.Mutex),
		uniqueSlots: true,
		failOn:      make(map[string]error),
		clock:       time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) addDoctor(name, specialty, from, to string) *Doctor {
	d := &Doctor{
		ID:           uuid.New(),
		Name:         name,
		Specialty:    specialty,
		Availability: Window{From: MustWallClock(from), To: MustWallClock(to)},
	}
	m.doctors[d.ID] = d
	return d
}

func (m *memStore) addPatient(name, phone string) uuid.UUID {
	id := uuid.New()
	m.patients[id] = memPatient{name: name, phone: phone}
	return id
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

func (m *memStore) get(id uuid.UUID) (Appointment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	return a, ok
}

// lastTxCalls returns the repository calls of the most recent transaction.
func (m *memStore) lastTxCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.txCalls) == 0 {
		return nil
	}
	return m.txCalls[len(m.txCalls)-1]
}

func txOf(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// enter records a call and, inside a transaction, an undo step. It must be
// called with mu held.
func (m *memStore) enter(ctx context.Context, name string, undo func()) {
	tx := txOf(ctx)
	if tx == nil {
		return
	}
	tx.calls = append(tx.calls, name)
	if undo != nil {
		tx.undo = append(tx.undo, undo)
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txOf(ctx) != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	m.txCount++
	if len(m.beginErrs) > 0 {
		err := m.beginErrs[0]
		m.beginErrs = m.beginErrs[1:]
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	tx := &memTx{held: make(map[uuid.UUID]*sync.Mutex)}
	defer func() {
		for _, l := range tx.held {
			l.Unlock()
		}
	}()

	err := fn(context.WithValue(ctx, memTxKey{}, tx))

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	}
	m.txCalls = append(m.txCalls, tx.calls)
	return err
}

func (m *memStore) now() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) Create(ctx context.Context, a *Appointment) error {
	if m.writeDelay > 0 {
		time.Sleep(m.writeDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["Create"]; err != nil {
		return err
	}
	if _, ok := m.patients[a.PatientID]; !ok {
		return ErrPatientNotFound
	}
	if _, ok := m.doctors[a.DoctorID]; !ok {
		return ErrDoctorNotFound
	}
	if m.uniqueSlots {
		for _, other := range m.appts {
			if other.DoctorID == a.DoctorID && other.Time.Equal(a.Time) {
				return ErrSlotConflict
			}
		}
	}
	a.CreatedAt = m.now()
	a.UpdatedAt = a.CreatedAt
	m.appts[a.ID] = *a
	m.order = append(m.order, a.ID)

	id := a.ID
	m.enter(ctx, "Create", func() {
		delete(m.appts, id)
		m.removeFromOrder(id)
	})
	return nil
}

func (m *memStore) removeFromOrder(id uuid.UUID) {
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *memStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enter(ctx, "GetForUpdate", nil)
	if err := m.failOn["GetForUpdate"]; err != nil {
		return nil, err
	}
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memStore) UpdateTime(ctx context.Context, id uuid.UUID, t WallClock) error {
	if m.writeDelay > 0 {
		time.Sleep(m.writeDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["UpdateTime"]; err != nil {
		return err
	}
	prev, ok := m.appts[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if m.uniqueSlots {
		for _, other := range m.appts {
			if other.ID != id && other.DoctorID == prev.DoctorID && other.Time.Equal(t) {
				return ErrSlotConflict
			}
		}
	}
	a := prev
	a.Time = t
	a.UpdatedAt = m.now()
	m.appts[id] = a
	m.enter(ctx, "UpdateTime", func() { m.appts[id] = prev })
	return nil
}

func (m *memStore) Delete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["Delete"]; err != nil {
		return nil, err
	}
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	order := append([]uuid.UUID(nil), m.order...)
	delete(m.appts, id)
	m.removeFromOrder(id)
	m.enter(ctx, "Delete", func() {
		m.appts[id] = a
		m.order = order
	})
	return &a, nil
}

func (m *memStore) SlotTaken(ctx context.Context, doctorID uuid.UUID, t WallClock, excludeID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enter(ctx, "SlotTaken", nil)
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Time.Equal(t) && a.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*PatientAppointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["ListByPatient"]; err != nil {
		return nil, err
	}
	var items []*PatientAppointment
	for _, id := range m.order {
		a := m.appts[id]
		if a.PatientID != patientID {
			continue
		}
		d := m.doctors[a.DoctorID]
		items = append(items, &PatientAppointment{
			AppointmentID: a.ID, Time: a.Time, DoctorName: d.Name, Specialty: d.Specialty,
		})
	}
	return items, nil
}

func (m *memStore) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*DoctorAppointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*DoctorAppointment
	for _, id := range m.order {
		a := m.appts[id]
		if a.DoctorID != doctorID {
			continue
		}
		p := m.patients[a.PatientID]
		items = append(items, &DoctorAppointment{
			AppointmentID: a.ID, Time: a.Time, PatientName: p.name, PatientPhone: p.phone,
		})
	}
	return items, nil
}

func (m *memStore) RecordEvent(ctx context.Context, ev *AppointmentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["RecordEvent"]; err != nil {
		return err
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.OccurredAt = m.now()
	cp := *ev
	n := len(m.events)
	m.events = append(m.events, &cp)
	m.enter(ctx, "RecordEvent", func() { m.events = m.events[:n] })
	return nil
}

func (m *memStore) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]*AppointmentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []*AppointmentEvent
	for _, ev := range m.events {
		if ev.AppointmentID == appointmentID {
			cp := *ev
			events = append(events, &cp)
		}
	}
	return events, nil
}

// LockDoctor blocks until no other transaction holds the doctor, then keeps
// the doctor locked until this transaction ends.
func (m *memStore) LockDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	m.enter(ctx, "LockDoctor", nil)
	d, ok := m.doctors[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrDoctorNotFound
	}
	l, ok := m.docLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.docLocks[id] = l
	}
	cp := *d
	m.mu.Unlock()

	if tx := txOf(ctx); tx != nil {
		if _, held := tx.held[id]; !held {
			l.Lock()
			tx.held[id] = l
		}
	}
	return &cp, nil
}

func (m *memStore) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enter(ctx, "GetDoctor", nil)
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enter(ctx, "PatientExists", nil)
	_, ok := m.patients[id]
	return ok, nil
}

var (
	_ TxRunner              = (*memStore)(nil)
	_ AppointmentRepository = (*memStore)(nil)
	_ DirectoryRepository   = (*memStore)(nil)
)
