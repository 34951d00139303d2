package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-operations/internal/apperr"
	"github.com/hackgods/clinic-operations/internal/db"
)

// activeSlotConstraint is the partial unique index over active appointments, see migrations.
const activeSlotConstraint = "appointments_active_slot_uniq"

const appointmentColumns = `id, number, resource_id, subject_id, slot_date, slot_time, symptoms, notes,
	patient_name, patient_contact, status, mode, created_at, updated_at, cancelled_at`

type PgRepository struct {
	pool db.DBTX
}

func NewPgRepository(pool db.DBTX) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var cancelledAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.Number,
		&a.ResourceID,
		&a.SubjectID,
		&a.Date,
		&a.Time,
		&a.Symptoms,
		&a.Notes,
		&a.PatientName,
		&a.PatientContact,
		&a.Status,
		&a.Mode,
		&a.CreatedAt,
		&a.UpdatedAt,
		&cancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.CancelledAt = cancelledAt
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func infra(op string, err error) error {
	return apperr.Wrap(apperr.Infrastructure, op, err)
}

// Interface methods

func (r *PgRepository) CountActiveInSlot(ctx context.Context, slot Slot, exclude uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE resource_id = $1
		  AND slot_date = $2
		  AND slot_time = $3
		  AND status IN ('pending', 'confirmed')
		  AND id <> $4
	`, slot.ResourceID, slot.Date, slot.Time, exclude).Scan(&n)
	if err != nil {
		return 0, infra("count active appointments in slot", err)
	}
	return n, nil
}

func (r *PgRepository) Insert(ctx context.Context, a *Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, a.ID, a.Number, a.ResourceID, a.SubjectID, a.Date, a.Time, a.Symptoms, a.Notes,
		a.PatientName, a.PatientContact, a.Status, a.Mode, a.CreatedAt, a.UpdatedAt, a.CancelledAt)
	if err != nil {
		if db.IsUniqueViolation(err, activeSlotConstraint) {
			return ErrSlotConflict
		}
		return infra("insert appointment", err)
	}
	return nil
}

func (r *PgRepository) Update(ctx context.Context, a *Appointment, expected Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET slot_date = $2,
		    slot_time = $3,
		    symptoms = $4,
		    notes = $5,
		    status = $6,
		    updated_at = $7,
		    cancelled_at = $8
		WHERE id = $1
		  AND status = $9
	`, a.ID, a.Date, a.Time, a.Symptoms, a.Notes, a.Status, a.UpdatedAt, a.CancelledAt, expected)
	if err != nil {
		if db.IsUniqueViolation(err, activeSlotConstraint) {
			return ErrSlotConflict
		}
		return infra("update appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleAppointment
	}
	return nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	a, err := scanAppointment(row)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, infra("load appointment", err)
	}
	return a, err
}

// LastNumber returns the number of the most recently created appointment, or "" if there is none.
func (r *PgRepository) LastNumber(ctx context.Context) (string, error) {
	var number string
	err := r.pool.QueryRow(ctx, `
		SELECT number
		FROM appointments
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&number)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", infra("load last appointment number", err)
	}
	return number, nil
}

func (r *PgRepository) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE subject_id = $1
		ORDER BY slot_date DESC, slot_time DESC
		LIMIT $2 OFFSET $3
	`, subjectID, limit, offset)
	if err != nil {
		return nil, infra("list appointments by subject", err)
	}
	result, err := collectAppointments(rows)
	if err != nil {
		return nil, infra("scan appointments", err)
	}
	return result, nil
}

func (r *PgRepository) List(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Date != "" {
		add("slot_date = $%d", f.Date)
	}
	if f.ResourceID != uuid.Nil {
		add("resource_id = $%d", f.ResourceID)
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY slot_date, slot_time LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, infra("list appointments", err)
	}
	result, err := collectAppointments(rows)
	if err != nil {
		return nil, infra("scan appointments", err)
	}
	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
