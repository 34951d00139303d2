package appointment

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-operations/internal/apperr"
)

var (
	ErrAppointmentNotFound = apperr.New(apperr.NotFound, "appointment not found")
	ErrSlotConflict        = apperr.New(apperr.Conflict, "slot already has an active appointment")
	ErrStaleAppointment    = apperr.New(apperr.Conflict, "appointment was modified concurrently, please retry")
)

// Store contains all DB interactions needed by the service.
type Store interface {
	// For conflict checks. exclude may be uuid.Nil.
	CountActiveInSlot(ctx context.Context, slot Slot, exclude uuid.UUID) (int, error)

	// Insert returns ErrSlotConflict when another active appointment holds the slot at commit time.
	Insert(ctx context.Context, a *Appointment) error
	// Update writes a only if its stored status still equals expected; otherwise ErrStaleAppointment.
	Update(ctx context.Context, a *Appointment, expected Status) error

	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	LastNumber(ctx context.Context) (string, error)

	ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]Appointment, error)
	List(ctx context.Context, f ListFilter) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
