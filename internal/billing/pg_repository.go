package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-operations/internal/apperr"
	"github.com/hackgods/clinic-operations/internal/db"
)

const receiptColumns = `id, receipt_no, patient_id, patient_name, items, total, status, due_at, paid_via,
	version, created_at, updated_at`

const transactionColumns = `id, bill_id, receipt_no, amount, method, gateway_ref, status, opened_seq,
	created_at, updated_at, settled_at`

const claimColumns = `id, bill_id, receipt_no, amount, provider, policy_number, claimant_name, claimant_id,
	status, opened_seq, created_at, updated_at, resolved_at`

const fundingColumns = `id, bill_id, receipt_no, amount, program_type, beneficiary_name, beneficiary_id,
	status, opened_seq, created_at, updated_at, resolved_at`

type PgStore struct {
	pool db.DBTX
}

func NewPgStore(pool db.DBTX) *PgStore {
	return &PgStore{pool: pool}
}

// Helpers

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var r Receipt
	var items []byte
	var paidVia string

	err := row.Scan(
		&r.ID,
		&r.ReceiptNo,
		&r.PatientID,
		&r.PatientName,
		&items,
		&r.Total,
		&r.Status,
		&r.DueAt,
		&paidVia,
		&r.Version,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReceiptNotFound
		}
		return nil, err
	}

	if len(items) > 0 {
		if err := json.Unmarshal(items, &r.Items); err != nil {
			return nil, fmt.Errorf("decode receipt items: %w", err)
		}
	}
	r.PaidVia = Channel(paidVia)
	return &r, nil
}

func scanTransaction(row pgx.Row) (*PaymentTransaction, error) {
	var t PaymentTransaction
	err := row.Scan(&t.ID, &t.BillID, &t.ReceiptNo, &t.Amount, &t.Method, &t.GatewayRef, &t.Status,
		&t.OpenedSeq, &t.CreatedAt, &t.UpdatedAt, &t.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

func scanClaim(row pgx.Row) (*InsuranceClaim, error) {
	var c InsuranceClaim
	err := row.Scan(&c.ID, &c.BillID, &c.ReceiptNo, &c.Amount, &c.Provider, &c.PolicyNumber, &c.ClaimantName,
		&c.ClaimantID, &c.Status, &c.OpenedSeq, &c.CreatedAt, &c.UpdatedAt, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanFunding(row pgx.Row) (*GovernmentFunding, error) {
	var f GovernmentFunding
	err := row.Scan(&f.ID, &f.BillID, &f.ReceiptNo, &f.Amount, &f.ProgramType, &f.BeneficiaryName,
		&f.BeneficiaryID, &f.Status, &f.OpenedSeq, &f.CreatedAt, &f.UpdatedAt, &f.ResolvedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
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

func (s *PgStore) NextReceiptSeq(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('receipt_number_seq')`).Scan(&n); err != nil {
		return 0, infra("next receipt number", err)
	}
	return n, nil
}

func (s *PgStore) CreateReceipt(ctx context.Context, r *Receipt) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("encode receipt items: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.ReceiptNo, r.PatientID, r.PatientName, items, r.Total, r.Status, r.DueAt, string(r.PaidVia),
		r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "receipts_receipt_no_key") {
			return apperr.Newf(apperr.Conflict, "receipt number %s already exists", r.ReceiptNo)
		}
		return infra("insert receipt", err)
	}
	return nil
}

func (s *PgStore) GetLedger(ctx context.Context, id uuid.UUID) (*Ledger, error) {
	return loadLedger(ctx, s.pool, id, false)
}

func (s *PgStore) Update(ctx context.Context, id uuid.UUID, fn func(l *Ledger) error) (*Ledger, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, infra("begin ledger update", err)
	}
	defer tx.Rollback(ctx)

	l, err := loadLedger(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := fn(l); err != nil {
		return nil, err
	}
	if !l.Changed() {
		return l, nil
	}

	if err := saveLedger(ctx, tx, l); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, infra("commit ledger update", err)
	}
	return l, nil
}

func loadLedger(ctx context.Context, q db.DBTX, id uuid.UUID, lock bool) (*Ledger, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	r, err := scanReceipt(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			return nil, err
		}
		return nil, infra("load receipt", err)
	}
	l := &Ledger{Receipt: *r}

	rows, err := q.Query(ctx, `SELECT `+transactionColumns+` FROM payment_transactions
		WHERE bill_id = $1 ORDER BY opened_seq`, id)
	if err != nil {
		return nil, infra("load payment transactions", err)
	}
	if l.Transactions, err = collect(rows, scanTransaction); err != nil {
		return nil, infra("scan payment transactions", err)
	}

	rows, err = q.Query(ctx, `SELECT `+claimColumns+` FROM insurance_claims
		WHERE bill_id = $1 ORDER BY opened_seq`, id)
	if err != nil {
		return nil, infra("load insurance claims", err)
	}
	if l.Claims, err = collect(rows, scanClaim); err != nil {
		return nil, infra("scan insurance claims", err)
	}

	rows, err = q.Query(ctx, `SELECT `+fundingColumns+` FROM government_fundings
		WHERE bill_id = $1 ORDER BY opened_seq`, id)
	if err != nil {
		return nil, infra("load government fundings", err)
	}
	if l.Fundings, err = collect(rows, scanFunding); err != nil {
		return nil, infra("scan government fundings", err)
	}

	return l, nil
}

func saveLedger(ctx context.Context, q db.DBTX, l *Ledger) error {
	r := &l.Receipt

	for _, rm := range l.removed {
		table := "insurance_claims"
		if rm.channel == ChannelFunding {
			table = "government_fundings"
		}
		if _, err := q.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1 AND bill_id = $2`, rm.id, r.ID); err != nil {
			return infra("delete "+string(rm.channel), err)
		}
	}

	for _, t := range l.Transactions {
		if !l.isDirty(t.ID) {
			continue
		}
		_, err := q.Exec(ctx, `
			INSERT INTO payment_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status,
			    updated_at = EXCLUDED.updated_at,
			    settled_at = EXCLUDED.settled_at
		`, t.ID, t.BillID, t.ReceiptNo, t.Amount, t.Method, t.GatewayRef, t.Status, t.OpenedSeq,
			t.CreatedAt, t.UpdatedAt, t.SettledAt)
		if err != nil {
			return infra("save payment transaction", err)
		}
	}

	for _, c := range l.Claims {
		if !l.isDirty(c.ID) {
			continue
		}
		_, err := q.Exec(ctx, `
			INSERT INTO insurance_claims (`+claimColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status,
			    updated_at = EXCLUDED.updated_at,
			    resolved_at = EXCLUDED.resolved_at
		`, c.ID, c.BillID, c.ReceiptNo, c.Amount, c.Provider, c.PolicyNumber, c.ClaimantName, c.ClaimantID,
			c.Status, c.OpenedSeq, c.CreatedAt, c.UpdatedAt, c.ResolvedAt)
		if err != nil {
			return infra("save insurance claim", err)
		}
	}

	for _, f := range l.Fundings {
		if !l.isDirty(f.ID) {
			continue
		}
		_, err := q.Exec(ctx, `
			INSERT INTO government_fundings (`+fundingColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status,
			    updated_at = EXCLUDED.updated_at,
			    resolved_at = EXCLUDED.resolved_at
		`, f.ID, f.BillID, f.ReceiptNo, f.Amount, f.ProgramType, f.BeneficiaryName, f.BeneficiaryID,
			f.Status, f.OpenedSeq, f.CreatedAt, f.UpdatedAt, f.ResolvedAt)
		if err != nil {
			return infra("save funding request", err)
		}
	}

	tag, err := q.Exec(ctx, `
		UPDATE receipts
		SET status = $2,
		    paid_via = $3,
		    updated_at = $4,
		    version = version + 1
		WHERE id = $1
		  AND version = $5
	`, r.ID, r.Status, string(r.PaidVia), r.UpdatedAt, r.Version)
	if err != nil {
		return infra("save receipt", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "receipt was modified concurrently, please retry")
	}
	r.Version++
	return nil
}

func (s *PgStore) ListReceipts(ctx context.Context, f ReceiptFilter) ([]Receipt, error) {
	var where []string
	var args []any

	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PatientID != uuid.Nil {
		args = append(args, f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}

	query := `SELECT ` + receiptColumns + ` FROM receipts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, infra("list receipts", err)
	}
	result, err := collect(rows, scanReceipt)
	if err != nil {
		return nil, infra("scan receipts", err)
	}
	return result, nil
}

func (s *PgStore) ReceiptOf(ctx context.Context, ch Channel, recordID uuid.UUID) (uuid.UUID, error) {
	var table string
	var notFound error
	switch ch {
	case ChannelCard:
		table, notFound = "payment_transactions", ErrTransactionNotFound
	case ChannelClaim:
		table, notFound = "insurance_claims", ErrClaimNotFound
	case ChannelFunding:
		table, notFound = "government_fundings", ErrFundingNotFound
	default:
		return uuid.Nil, apperr.Newf(apperr.Validation, "unknown channel %q", ch)
	}

	var billID uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT bill_id FROM `+table+` WHERE id = $1`, recordID).Scan(&billID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, notFound
		}
		return uuid.Nil, infra("locate "+string(ch), err)
	}
	return billID, nil
}

func (s *PgStore) TransactionByGatewayRef(ctx context.Context, ref string) (*PaymentTransaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE gateway_ref = $1
	`, ref))
	if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return nil, infra("load transaction by gateway ref", err)
	}
	return t, err
}

func (s *PgStore) PendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]PaymentTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE status = $1
		  AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, TxPending, createdBefore, limit)
	if err != nil {
		return nil, infra("list pending transactions", err)
	}
	result, err := collect(rows, scanTransaction)
	if err != nil {
		return nil, infra("scan pending transactions", err)
	}
	return result, nil
}

func (s *PgStore) OverdueCandidates(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM receipts
		WHERE status = $1
		  AND due_at IS NOT NULL
		  AND due_at < $2
		ORDER BY due_at
		LIMIT $3
	`, StatusPending, now, limit)
	if err != nil {
		return nil, infra("list overdue candidates", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, infra("scan overdue candidates", err)
	}
	return ids, nil
}

func (s *PgStore) Stats(ctx context.Context) (*DashboardStats, error) {
	stats := &DashboardStats{ReceiptsByStatus: make(map[ReceiptStatus]int)}

	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*), COALESCE(sum(total), 0)::bigint
		FROM receipts
		GROUP BY status
	`)
	if err != nil {
		return nil, infra("aggregate receipts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status ReceiptStatus
		var count int
		var sum int64
		if err := rows.Scan(&status, &count, &sum); err != nil {
			return nil, infra("scan receipt aggregate", err)
		}
		stats.add(status, count, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, infra("aggregate receipts", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM payment_transactions),
			(SELECT count(*) FROM insurance_claims),
			(SELECT count(*) FROM government_fundings)
	`).Scan(&stats.Transactions, &stats.Claims, &stats.Fundings)
	if err != nil {
		return nil, infra("count settlement records", err)
	}
	return stats, nil
}

func (d *DashboardStats) add(status ReceiptStatus, count int, sum int64) {
	d.ReceiptsByStatus[status] += count
	d.TotalReceipts += count
	switch status {
	case StatusPaid:
		d.PaidTotal += sum
	case StatusPending:
		d.PendingTotal += sum
		d.OutstandingTotal += sum
	default:
		d.OutstandingTotal += sum
	}
}
