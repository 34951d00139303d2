package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-operations/internal/apperr"
)

func newMockRepo(t *testing.T) (*PgRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgRepository(mock), mock
}

func sampleAppointment() *Appointment {
	now := time.Date(2025, 2, 20, 8, 0, 0, 0, time.UTC)
	return &Appointment{
		ID:             uuid.New(),
		Number:         "12",
		ResourceID:     uuid.New(),
		SubjectID:      uuid.New(),
		Date:           "2025-03-01",
		Time:           "10:00",
		PatientName:    "Ada Lovelace",
		PatientContact: "ada@example.com",
		Status:         StatusPending,
		Mode:           ModePhysical,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPgInsertMapsActiveSlotViolationToConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	a := sampleAppointment()

	mock.ExpectExec("INSERT INTO appointments").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: activeSlotConstraint})

	err := repo.Insert(context.Background(), a)
	assert.ErrorIs(t, err, ErrSlotConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgInsertOtherFailureIsInfrastructure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("INSERT INTO appointments").WillReturnError(errors.New("connection refused"))

	err := repo.Insert(context.Background(), sampleAppointment())
	require.Error(t, err)
	assert.Equal(t, apperr.Infrastructure, apperr.KindOf(err))
}

func TestPgUpdateIsConditionalOnStatus(t *testing.T) {
	repo, mock := newMockRepo(t)
	a := sampleAppointment()
	a.Status = StatusCancelled

	mock.ExpectExec("UPDATE appointments").
		WithArgs(a.ID, a.Date, a.Time, a.Symptoms, a.Notes, a.Status, a.UpdatedAt, a.CancelledAt, StatusPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Update(context.Background(), a, StatusPending)
	assert.ErrorIs(t, err, ErrStaleAppointment)

	mock.ExpectExec("UPDATE appointments").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	assert.NoError(t, repo.Update(context.Background(), a, StatusPending))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCountActiveInSlot(t *testing.T) {
	repo, mock := newMockRepo(t)
	slot := Slot{ResourceID: uuid.New(), Date: "2025-03-01", Time: "10:00"}
	exclude := uuid.New()

	mock.ExpectQuery("SELECT count").
		WithArgs(slot.ResourceID, slot.Date, slot.Time, exclude).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	n, err := repo.CountActiveInSlot(context.Background(), slot, exclude)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("FROM appointments").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestPgLastNumberEmptyTable(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT number").WillReturnError(pgx.ErrNoRows)

	got, err := repo.LastNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
