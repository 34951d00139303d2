package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-operations/internal/apperr"
	"github.com/hackgods/clinic-operations/internal/directory"
	"github.com/hackgods/clinic-operations/internal/metrics"
	"github.com/hackgods/clinic-operations/internal/notify"
	redisclient "github.com/hackgods/clinic-operations/internal/redis"
)

const (
	EventAppointmentBooked        = "APPOINTMENT_BOOKED"
	EventAppointmentRescheduled   = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
)

var (
	ErrMissingContact        = apperr.New(apperr.Validation, "patient has no contact on file")
	ErrNotModifiable         = apperr.New(apperr.InvalidState, "appointment can only be changed while pending or confirmed")
	ErrAlreadyCancelled      = apperr.New(apperr.InvalidState, "appointment already cancelled")
	ErrCannotCancelCompleted = apperr.New(apperr.InvalidState, "cannot cancel a completed appointment")
	ErrInvalidStatus         = apperr.New(apperr.Validation, "status must be one of pending, confirmed, completed, cancelled")
	ErrForbidden             = apperr.New(apperr.Forbidden, "appointment belongs to another provider")
	ErrTerminalForDoctor     = apperr.New(apperr.InvalidState, "only an admin can reopen a completed or cancelled appointment")
	ErrSlotBusy              = apperr.New(apperr.Conflict, "slot is currently being booked, please retry shortly")
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Directory resolves the provider and patient referenced by a booking.
type Directory interface {
	Provider(ctx context.Context, id uuid.UUID) (*directory.Provider, error)
	Patient(ctx context.Context, id uuid.UUID) (*directory.Patient, error)
}

// Notifier is fire-and-forget; it must never block the caller.
type Notifier interface {
	Dispatch(msg notify.Message)
}

type Service struct {
	repo     Store
	detector *ConflictDetector
	seq      Sequencer
	locker   redisclient.Locker
	dir      Directory
	notifier Notifier
	logger   zerolog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
	newID    func() uuid.UUID
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDSource(newID func() uuid.UUID) Option {
	return func(s *Service) { s.newID = newID }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService wires the lifecycle. locker and notifier may be nil.
func NewService(repo Store, seq Sequencer, locker redisclient.Locker, dir Directory, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		detector: NewConflictDetector(repo),
		seq:      seq,
		locker:   locker,
		dir:      dir,
		notifier: notifier,
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book reserves a slot for a patient. The slot is serialised with a per-slot lock and the
// store re-validates the slot on insert, so concurrent bookings of one slot yield one winner.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if err := validateBook(&req); err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}

	if _, err := s.dir.Provider(ctx, req.ResourceID); err != nil {
		s.metrics.ObserveBooking(outcome(err))
		return nil, fmt.Errorf("load provider: %w", err)
	}
	patient, err := s.dir.Patient(ctx, req.SubjectID)
	if err != nil {
		s.metrics.ObserveBooking(outcome(err))
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if strings.TrimSpace(patient.Contact) == "" {
		s.metrics.ObserveBooking("invalid")
		return nil, ErrMissingContact
	}

	now := s.now()
	appt := &Appointment{
		ID:             s.newID(),
		ResourceID:     req.ResourceID,
		SubjectID:      req.SubjectID,
		Date:           req.Date,
		Time:           req.Time,
		Symptoms:       req.Symptoms,
		Notes:          req.Notes,
		PatientName:    patient.Name,
		PatientContact: patient.Contact,
		Status:         StatusPending,
		Mode:           req.Mode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.withSlot(ctx, appt.Slot(), func(lockCtx context.Context) error {
		// Inside the critical section re-check the slot
		conflict, err := s.detector.HasConflict(lockCtx, appt.Slot(), uuid.Nil)
		if err != nil {
			return fmt.Errorf("check slot: %w", err)
		}
		if conflict {
			return ErrSlotConflict
		}

		number, err := s.seq.NextNumber(lockCtx)
		if err != nil {
			return err
		}
		appt.Number = number

		return s.repo.Insert(lockCtx, appt)
	})
	if err != nil {
		s.metrics.ObserveBooking(outcome(err))
		return nil, err
	}

	s.metrics.ObserveBooking("booked")
	s.logEvent(ctx, appt.ID, EventAppointmentBooked, map[string]any{
		"number":      appt.Number,
		"resource_id": appt.ResourceID.String(),
		"subject_id":  appt.SubjectID.String(),
		"date":        appt.Date,
		"time":        appt.Time,
	})
	s.notify(notify.Message{
		To:      patient.Contact,
		ToName:  patient.Name,
		Subject: "Appointment booked",
		Body: fmt.Sprintf("Your appointment #%s is booked for %s at %s (%s).",
			appt.Number, appt.Date, appt.Time, appt.Mode),
	})

	return appt, nil
}

// Reschedule applies the patient's changes. Moving to another date or time re-runs the
// conflict check against every appointment except this one.
func (s *Service) Reschedule(ctx context.Context, id, ownerID uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	appt, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if !appt.Status.Active() {
		return nil, ErrNotModifiable
	}

	updated := *appt
	if req.Date != nil {
		updated.Date = strings.TrimSpace(*req.Date)
	}
	if req.Time != nil {
		updated.Time = strings.TrimSpace(*req.Time)
	}
	if updated.Date, updated.Time, err = canonicalSlot(updated.Date, updated.Time); err != nil {
		return nil, err
	}
	if req.Symptoms != nil {
		updated.Symptoms = *req.Symptoms
	}
	if req.Notes != nil {
		updated.Notes = *req.Notes
	}
	updated.UpdatedAt = s.now()

	write := func(ctx context.Context) error {
		return s.repo.Update(ctx, &updated, appt.Status)
	}

	if updated.Date != appt.Date || updated.Time != appt.Time {
		err = s.withSlot(ctx, updated.Slot(), func(lockCtx context.Context) error {
			conflict, err := s.detector.HasConflict(lockCtx, updated.Slot(), updated.ID)
			if err != nil {
				return fmt.Errorf("check slot: %w", err)
			}
			if conflict {
				return ErrSlotConflict
			}
			return write(lockCtx)
		})
	} else {
		err = write(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentRescheduled, map[string]any{
		"from_date": appt.Date,
		"from_time": appt.Time,
		"to_date":   updated.Date,
		"to_time":   updated.Time,
	})
	return &updated, nil
}

func (s *Service) Cancel(ctx context.Context, id, ownerID uuid.UUID) (*Appointment, error) {
	appt, err := s.loadOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	switch appt.Status {
	case StatusCancelled:
		return nil, ErrAlreadyCancelled
	case StatusCompleted:
		return nil, ErrCannotCancelCompleted
	}

	now := s.now()
	updated := *appt
	updated.Status = StatusCancelled
	updated.CancelledAt = &now
	updated.UpdatedAt = now

	if err := s.repo.Update(ctx, &updated, appt.Status); err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(string(StatusCancelled))
	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"from": string(appt.Status),
		"by":   "patient",
	})
	return &updated, nil
}

// SetStatus is the administrative transition. Admins may set any recognised status;
// doctors may only act on their own appointments and may not reopen terminal ones.
// Reopening a terminal appointment re-enters the slot invariant and can fail with a conflict.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, newStatus Status, actor Actor) (*Appointment, error) {
	if !newStatus.Valid() {
		return nil, ErrInvalidStatus
	}

	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch actor.Role {
	case RoleAdmin:
	case RoleDoctor:
		if appt.ResourceID != actor.ID {
			return nil, ErrForbidden
		}
		if appt.Status.Terminal() && newStatus != appt.Status {
			return nil, ErrTerminalForDoctor
		}
	default:
		return nil, apperr.New(apperr.Forbidden, "only admins and the assigned doctor can change status")
	}

	if appt.Status == newStatus {
		return appt, nil
	}

	now := s.now()
	updated := *appt
	updated.Status = newStatus
	updated.UpdatedAt = now
	switch {
	case newStatus == StatusCancelled:
		updated.CancelledAt = &now
	case appt.Status == StatusCancelled:
		updated.CancelledAt = nil
	}

	if newStatus.Active() && !appt.Status.Active() {
		err = s.withSlot(ctx, updated.Slot(), func(lockCtx context.Context) error {
			conflict, err := s.detector.HasConflict(lockCtx, updated.Slot(), updated.ID)
			if err != nil {
				return fmt.Errorf("check slot: %w", err)
			}
			if conflict {
				return ErrSlotConflict
			}
			return s.repo.Update(lockCtx, &updated, appt.Status)
		})
	} else {
		err = s.repo.Update(ctx, &updated, appt.Status)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(string(newStatus))
	s.logEvent(ctx, updated.ID, EventAppointmentStatusChanged, map[string]any{
		"from":     string(appt.Status),
		"to":       string(newStatus),
		"actor_id": actor.ID.String(),
		"role":     string(actor.Role),
	})
	return &updated, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

// ListForSubject retrieves appointments for a specific patient
func (s *Service) ListForSubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]Appointment, error) {
	limit, offset = clampPage(limit, offset)
	result, err := s.repo.ListBySubject(ctx, subjectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by subject: %w", err)
	}
	return result, nil
}

// ListForResource returns a provider's schedule, optionally narrowed to one date.
func (s *Service) ListForResource(ctx context.Context, resourceID uuid.UUID, date string) ([]Appointment, error) {
	return s.ListAll(ctx, ListFilter{ResourceID: resourceID, Date: date, Limit: maxListLimit})
}

func (s *Service) ListAll(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	if f.Date != "" {
		d, err := time.Parse(DateLayout, f.Date)
		if err != nil {
			return nil, apperr.New(apperr.Validation, "date must be YYYY-MM-DD")
		}
		f.Date = d.Format(DateLayout)
	}
	f.Limit, f.Offset = clampPage(f.Limit, f.Offset)
	result, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return result, nil
}

func (s *Service) loadOwned(ctx context.Context, id, ownerID uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.SubjectID != ownerID {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

func (s *Service) withSlot(ctx context.Context, slot Slot, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	err := s.locker.WithLock(ctx, slot.lockKey(), fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSlotBusy
	}
	return err
}

func (s *Service) notify(msg notify.Message) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(msg)
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Stringer("appointment_id", appointmentID).
			Msg("failed to insert event log")
	}
}

func validateBook(req *BookRequest) error {
	if req.ResourceID == uuid.Nil {
		return apperr.New(apperr.Validation, "resource_id is required")
	}
	if req.SubjectID == uuid.Nil {
		return apperr.New(apperr.Validation, "subject_id is required")
	}
	req.Date = strings.TrimSpace(req.Date)
	req.Time = strings.TrimSpace(req.Time)
	var err error
	if req.Date, req.Time, err = canonicalSlot(req.Date, req.Time); err != nil {
		return err
	}
	if req.Mode == "" {
		req.Mode = ModePhysical
	}
	if !req.Mode.Valid() {
		return apperr.New(apperr.Validation, "mode must be physical or online")
	}
	return nil
}

// canonicalSlot parses date and time and returns them re-formatted, so "9:00" and "09:00"
// name the same slot everywhere the slot is compared as text.
func canonicalSlot(date, clock string) (string, string, error) {
	if date == "" || clock == "" {
		return "", "", apperr.New(apperr.Validation, "date and time are required")
	}
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", "", apperr.New(apperr.Validation, "date must be YYYY-MM-DD")
	}
	c, err := time.Parse(TimeLayout, clock)
	if err != nil {
		return "", "", apperr.New(apperr.Validation, "time must be HH:MM")
	}
	return d.Format(DateLayout), c.Format(TimeLayout), nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func outcome(err error) string {
	switch apperr.KindOf(err) {
	case apperr.Conflict:
		return "conflict"
	case apperr.NotFound:
		return "not_found"
	case apperr.Validation:
		return "invalid"
	default:
		return "error"
	}
}
