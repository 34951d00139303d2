package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	receiptCols     = []string{"id", "receipt_no", "patient_id", "patient_name", "items", "total", "status", "due_at", "paid_via", "version", "created_at", "updated_at"}
	transactionCols = []string{"id", "bill_id", "receipt_no", "amount", "method", "gateway_ref", "status", "opened_seq", "created_at", "updated_at", "settled_at"}
	claimCols       = []string{"id", "bill_id", "receipt_no", "amount", "provider", "policy_number", "claimant_name", "claimant_id", "status", "opened_seq", "created_at", "updated_at", "resolved_at"}
	fundingCols     = []string{"id", "bill_id", "receipt_no", "amount", "program_type", "beneficiary_name", "beneficiary_id", "status", "opened_seq", "created_at", "updated_at", "resolved_at"}
)

func newMockStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgStore(mock), mock
}

func receiptRow(id uuid.UUID, status ReceiptStatus, version int64) *pgxmock.Rows {
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return pgxmock.NewRows(receiptCols).AddRow(
		id, "RCPT-20250301-000001", uuid.New(), "Ada Lovelace",
		[]byte(`[{"service_name":"Consultation","cost":300}]`), int64(300),
		status, (*time.Time)(nil), "", version, created, created,
	)
}

func expectLockedLoad(mock pgxmock.PgxPoolIface, id uuid.UUID, status ReceiptStatus, version int64, claims *pgxmock.Rows) {
	mock.ExpectBegin()
	mock.ExpectQuery("FROM receipts WHERE id = .+ FOR UPDATE").WithArgs(id).WillReturnRows(receiptRow(id, status, version))
	mock.ExpectQuery("FROM payment_transactions").WithArgs(id).WillReturnRows(pgxmock.NewRows(transactionCols))
	mock.ExpectQuery("FROM insurance_claims").WithArgs(id).WillReturnRows(claims)
	mock.ExpectQuery("FROM government_fundings").WithArgs(id).WillReturnRows(pgxmock.NewRows(fundingCols))
}

func TestPgUpdateSavesChangedRecordsAndBumpsVersion(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)

	expectLockedLoad(mock, id, StatusPending, 4, pgxmock.NewRows(claimCols))
	mock.ExpectExec("INSERT INTO insurance_claims").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE receipts").
		WithArgs(id, StatusClaimPending, "", now, int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	l, err := store.Update(context.Background(), id, func(l *Ledger) error {
		require.Len(t, l.Receipt.Items, 1)
		if err := l.AddClaim(InsuranceClaim{ID: uuid.New(), Amount: 300, Provider: "Acme", PolicyNumber: "P"}); err != nil {
			return err
		}
		l.Derive(now)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusClaimPending, l.Receipt.Status)
	assert.Equal(t, int64(5), l.Receipt.Version)
	assert.Equal(t, int64(5), l.Claims[0].OpenedSeq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgUpdateRollsBackOnRuleViolation(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	open := pgxmock.NewRows(claimCols).AddRow(
		uuid.New(), id, "RCPT-20250301-000001", int64(300), "Acme", "P", "Ada Lovelace", "x",
		RequestSubmitted, int64(1), created, created, (*time.Time)(nil),
	)
	expectLockedLoad(mock, id, StatusClaimPending, 1, open)
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), id, func(l *Ledger) error {
		return l.AddClaim(InsuranceClaim{ID: uuid.New(), Amount: 300})
	})
	assert.ErrorIs(t, err, ErrClaimOpen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgUpdateWithoutChangesDoesNotWrite(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	expectLockedLoad(mock, id, StatusPending, 2, pgxmock.NewRows(claimCols))
	mock.ExpectRollback()

	l, err := store.Update(context.Background(), id, func(l *Ledger) error {
		l.Derive(time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.Receipt.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetLedgerNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("FROM receipts").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := store.GetLedger(context.Background(), id)
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}

func TestPgReceiptOf(t *testing.T) {
	store, mock := newMockStore(t)
	claimID, billID := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT bill_id FROM insurance_claims").WithArgs(claimID).
		WillReturnRows(pgxmock.NewRows([]string{"bill_id"}).AddRow(billID))
	mock.ExpectQuery("SELECT bill_id FROM government_fundings").WithArgs(claimID).
		WillReturnError(pgx.ErrNoRows)

	got, err := store.ReceiptOf(context.Background(), ChannelClaim, claimID)
	require.NoError(t, err)
	assert.Equal(t, billID, got)

	_, err = store.ReceiptOf(context.Background(), ChannelFunding, claimID)
	assert.ErrorIs(t, err, ErrFundingNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM receipts").WillReturnRows(pgxmock.NewRows([]string{"status", "count", "sum"}).
		AddRow(StatusPaid, 2, int64(500)).
		AddRow(StatusPending, 3, int64(300)).
		AddRow(StatusOverdue, 1, int64(80)))
	mock.ExpectQuery("FROM payment_transactions").WillReturnRows(pgxmock.NewRows([]string{"t", "c", "f"}).AddRow(4, 2, 1))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, stats.TotalReceipts)
	assert.Equal(t, int64(500), stats.PaidTotal)
	assert.Equal(t, int64(300), stats.PendingTotal)
	assert.Equal(t, int64(380), stats.OutstandingTotal)
	assert.Equal(t, 1, stats.ReceiptsByStatus[StatusOverdue])
	assert.Equal(t, 4, stats.Transactions)
	assert.Equal(t, 2, stats.Claims)
	assert.Equal(t, 1, stats.Fundings)
	require.NoError(t, mock.ExpectationsWereMet())
}
