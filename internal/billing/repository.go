package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-operations/internal/apperr"
)

var (
	ErrReceiptNotFound     = apperr.New(apperr.NotFound, "receipt not found")
	ErrClaimNotFound       = apperr.New(apperr.NotFound, "insurance claim not found")
	ErrFundingNotFound     = apperr.New(apperr.NotFound, "funding request not found")
	ErrTransactionNotFound = apperr.New(apperr.NotFound, "payment transaction not found")
)

// Store persists receipts and their settlement records.
type Store interface {
	NextReceiptSeq(ctx context.Context) (int64, error)
	CreateReceipt(ctx context.Context, r *Receipt) error

	// GetLedger reads without locking.
	GetLedger(ctx context.Context, id uuid.UUID) (*Ledger, error)
	// Update loads the ledger under a row lock on the receipt, runs fn and, if fn changed
	// anything, saves the ledger and bumps the receipt version in the same transaction.
	// An error from fn rolls everything back and is returned as is.
	Update(ctx context.Context, id uuid.UUID, fn func(l *Ledger) error) (*Ledger, error)

	ListReceipts(ctx context.Context, f ReceiptFilter) ([]Receipt, error)

	// ReceiptOf returns the receipt a settlement record belongs to.
	ReceiptOf(ctx context.Context, ch Channel, recordID uuid.UUID) (uuid.UUID, error)
	TransactionByGatewayRef(ctx context.Context, ref string) (*PaymentTransaction, error)

	// Worker queries
	PendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]PaymentTransaction, error)
	OverdueCandidates(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	Stats(ctx context.Context) (*DashboardStats, error)
}
