package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-operations/internal/apperr"
	"github.com/hackgods/clinic-operations/internal/directory"
	"github.com/hackgods/clinic-operations/internal/metrics"
)

const (
	EventSubmitted = "submitted"
	EventResolved  = "resolved"
	EventDeleted   = "deleted"
	EventStarted   = "started"
	EventSettled   = "settled"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	defaultGatewayTimeout = 10 * time.Second
)

// Patients resolves the patient a receipt is issued to.
type Patients interface {
	Patient(ctx context.Context, id uuid.UUID) (*directory.Patient, error)
}

// Service reconciles the card, insurance and government funding channels against receipts.
// Every mutation goes through Store.Update, so events for one receipt are serialised and the
// status is re-derived from the full set of records each time.
type Service struct {
	store          Store
	gateway        Gateway
	patients       Patients
	logger         zerolog.Logger
	metrics        *metrics.Recorder
	now            func() time.Time
	newID          func() uuid.UUID
	dueAfter       time.Duration
	gatewayTimeout time.Duration
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

// WithDueAfter sets the due date of new receipts. Zero leaves receipts without a due date.
func WithDueAfter(d time.Duration) Option {
	return func(s *Service) { s.dueAfter = d }
}

// WithGatewayTimeout bounds each status lookup made while confirming a card payment.
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

func NewService(store Store, gateway Gateway, patients Patients, opts ...Option) *Service {
	s := &Service{
		store:          store,
		gateway:        gateway,
		patients:       patients,
		logger:         zerolog.Nop(),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.New,
		gatewayTimeout: defaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateReceipt issues a receipt in Pending status with a RCPT-<date>-<seq> number.
func (s *Service) CreateReceipt(ctx context.Context, req NewReceipt) (*Receipt, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperr.New(apperr.Validation, "patient_id is required")
	}
	if len(req.Items) == 0 {
		return nil, apperr.New(apperr.Validation, "at least one line item is required")
	}
	var sum int64
	for i, item := range req.Items {
		req.Items[i].ServiceName = strings.TrimSpace(item.ServiceName)
		if req.Items[i].ServiceName == "" {
			return nil, apperr.Newf(apperr.Validation, "item %d: service_name is required", i+1)
		}
		if item.Cost < 0 {
			return nil, apperr.Newf(apperr.Validation, "item %d: cost must not be negative", i+1)
		}
		sum += item.Cost
	}
	total := req.Total
	if total == 0 {
		total = sum
	}
	if total <= 0 {
		return nil, apperr.New(apperr.Validation, "total must be positive")
	}

	patient, err := s.patients.Patient(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}

	seq, err := s.store.NextReceiptSeq(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &Receipt{
		ID:          s.newID(),
		ReceiptNo:   fmt.Sprintf("RCPT-%s-%06d", now.Format("20060102"), seq),
		PatientID:   patient.ID,
		PatientName: patient.Name,
		Items:       req.Items,
		Total:       total,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.dueAfter > 0 {
		due := now.Add(s.dueAfter)
		r.DueAt = &due
	}

	if err := s.store.CreateReceipt(ctx, r); err != nil {
		return nil, err
	}

	s.logger.Info().Str("receipt_no", r.ReceiptNo).Int64("total", r.Total).Msg("receipt created")
	return r, nil
}

func (s *Service) GetReceipt(ctx context.Context, id uuid.UUID) (*Ledger, error) {
	return s.store.GetLedger(ctx, id)
}

// TransactionReceipt returns the receipt a card transaction belongs to.
func (s *Service) TransactionReceipt(ctx context.Context, transactionID uuid.UUID) (uuid.UUID, error) {
	return s.store.ReceiptOf(ctx, ChannelCard, transactionID)
}

func (s *Service) ListReceipts(ctx context.Context, f ReceiptFilter) ([]Receipt, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.New(apperr.Validation, "status must be one of Pending, Paid, ClaimPending, FundingPending, Overdue")
	}
	f.Limit, f.Offset = clampPage(f.Limit, f.Offset)
	result, err := s.store.ListReceipts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	return result, nil
}

func (s *Service) SubmitClaim(ctx context.Context, req ClaimRequest) (*InsuranceClaim, *Receipt, error) {
	req.Provider = strings.TrimSpace(req.Provider)
	req.PolicyNumber = strings.TrimSpace(req.PolicyNumber)
	switch {
	case req.BillID == uuid.Nil:
		return nil, nil, apperr.New(apperr.Validation, "bill_id is required")
	case req.Amount <= 0:
		return nil, nil, apperr.New(apperr.Validation, "amount must be positive")
	case req.Provider == "":
		return nil, nil, apperr.New(apperr.Validation, "provider is required")
	case req.PolicyNumber == "":
		return nil, nil, apperr.New(apperr.Validation, "policy_number is required")
	}

	now := s.now()
	claim := InsuranceClaim{
		ID:           s.newID(),
		Amount:       req.Amount,
		Provider:     req.Provider,
		PolicyNumber: req.PolicyNumber,
		ClaimantName: strings.TrimSpace(req.ClaimantName),
		ClaimantID:   strings.TrimSpace(req.ClaimantID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	l, err := s.store.Update(ctx, req.BillID, func(l *Ledger) error {
		if claim.ClaimantName == "" {
			claim.ClaimantName = l.Receipt.PatientName
		}
		if claim.ClaimantID == "" {
			claim.ClaimantID = l.Receipt.PatientID.String()
		}
		if err := l.AddClaim(claim); err != nil {
			return err
		}
		l.Derive(now)
		return nil
	})
	s.observe(ChannelClaim, EventSubmitted, err)
	if err != nil {
		return nil, nil, err
	}

	stored := l.Claims[len(l.Claims)-1]
	s.logger.Info().Str("receipt_no", l.Receipt.ReceiptNo).Stringer("claim_id", stored.ID).
		Str("receipt_status", string(l.Receipt.Status)).Msg("insurance claim submitted")
	return &stored, &l.Receipt, nil
}

// ResolveClaim applies processing, approved or rejected. Replaying a terminal resolution
// is a successful no-op.
func (s *Service) ResolveClaim(ctx context.Context, claimID uuid.UUID, status RequestStatus) (*Receipt, error) {
	if !resolvable(status) {
		return nil, ErrInvalidResolved
	}
	billID, err := s.store.ReceiptOf(ctx, ChannelClaim, claimID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var changed bool
	l, err := s.store.Update(ctx, billID, func(l *Ledger) error {
		var err error
		if changed, err = l.ResolveClaim(claimID, status, now); err != nil {
			return err
		}
		l.Derive(now)
		return nil
	})
	s.observe(ChannelClaim, EventResolved, err)
	if err != nil {
		return nil, err
	}

	s.logResolution(l, ChannelClaim, claimID, string(status), changed)
	return &l.Receipt, nil
}

func (s *Service) DeleteClaim(ctx context.Context, claimID uuid.UUID) (*Receipt, error) {
	billID, err := s.store.ReceiptOf(ctx, ChannelClaim, claimID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	l, err := s.store.Update(ctx, billID, func(l *Ledger) error {
		if err := l.RemoveClaim(claimID); err != nil {
			return err
		}
		l.Derive(now)
		return nil
	})
	s.observe(ChannelClaim, EventDeleted, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("receipt_no", l.Receipt.ReceiptNo).Stringer("claim_id", claimID).
		Str("receipt_status", string(l.Receipt.Status)).Msg("insurance claim deleted")
	return &l.Receipt, nil
}

func (s *Service) SubmitFunding(ctx context.Context, req FundingRequest) (*GovernmentFunding, *Receipt, error) {
	req.ProgramType = strings.TrimSpace(req.ProgramType)
	switch {
	case req.BillID == uuid.Nil:
		return nil, nil, apperr.New(apperr.Validation, "bill_id is required")
	case req.Amount <= 0:
		return nil, nil, apperr.New(apperr.Validation, "amount must be positive")
	case req.ProgramType == "":
		return nil, nil, apperr.New(apperr.Validation, "program_type is required")
	}

	now := s.now()
	funding := GovernmentFunding{
		ID:              s.newID(),
		Amount:          req.Amount,
		ProgramType:     req.ProgramType,
		BeneficiaryName: strings.TrimSpace(req.BeneficiaryName),
		BeneficiaryID:   strings.TrimSpace(req.BeneficiaryID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	l, err := s.store.Update(ctx, req.BillID, func(l *Ledger) error {
		if funding.BeneficiaryName == "" {
			funding.BeneficiaryName = l.Receipt.PatientName
		}
		if funding.BeneficiaryID == "" {
			funding.BeneficiaryID = l.Receipt.PatientID.String()
		}
		if err := l.AddFunding(funding); err != nil {
			return err
		}
		l.Derive(now)
		return nil
	})
	s.observe(ChannelFunding, EventSubmitted, err)
	if err != nil {
		return nil, nil, err
	}

	stored := l.Fundings[len(l.Fundings)-1]
	s.logger.Info().Str("receipt_no", l.Receipt.ReceiptNo).Stringer("funding_id", stored.ID).
		Str("receipt_status", string(l.Receipt.Status)).Msg("funding request submitted")
	return &stored, &l.Receipt, nil
}

func (s *Service) ResolveFunding(ctx context.Context, fundingID uuid.UUID, status RequestStatus) (*Receipt, error) {
	if !resolvable(status) {
		return nil, ErrInvalidResolved
	}
	billID, err := s.store.ReceiptOf(ctx, ChannelFunding, fundingID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var changed bool
	l, err := s.store.Update(ctx, billID, func(l *Ledger) error {
		var err error
		if changed, err = l.ResolveFunding(fundingID, status, now); err != nil {
			return err
		}
		l.Derive(now)
		return nil
	})
	s.observe(ChannelFunding, EventResolved, err)
	if err != nil {
		return nil, err
	}

	s.logResolution(l, ChannelFunding, fundingID, string(status), changed)
	return &l.Receipt, nil
}

func (s *Service) DeleteFunding(ctx context.Context, fundingID uuid.UUID) (*Receipt, error) {
	billID, err := s.store.ReceiptOf(ctx, ChannelFunding, fundingID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	l, err := s.store.Update(ctx, billID, func(l *Ledger) error {
		if err := l.RemoveFunding(fundingID); err != nil {
			return err
		}
		l.Derive(now)
		return nil
	})
	s.observe(ChannelFunding, EventDeleted, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("receipt_no", l.Receipt.ReceiptNo).Stringer("funding_id", fundingID).
		Str("receipt_status", string(l.Receipt.Status)).Msg("funding request deleted")
	return &l.Receipt, nil
}

// StartCardPayment creates a gateway intent for the receipt total and opens a pending
// transaction. The gateway call happens outside the receipt lock.
func (s *Service) StartCardPayment(ctx context.Context, receiptID uuid.UUID) (*CardPayment, error) {
	current, err := s.store.GetLedger(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if current.paid() {
		return nil, ErrReceiptPaid
	}
	if current.openTransaction() != nil {
		return nil, ErrPaymentOpen
	}

	intent, err := s.gateway.CreateIntent(ctx, current.Receipt.Total, map[string]string{
		"receipt_id": current.Receipt.ID.String(),
		"receipt_no": current.Receipt.ReceiptNo,
	})
	if err != nil {
		s.observe(ChannelCard, EventStarted, err)
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	now := s.now()
	txn := PaymentTransaction{
		ID:         s.newID(),
		Amount:     current.Receipt.Total,
		GatewayRef: intent.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	l, err := s.store.Update(ctx, receiptID, func(l *Ledger) error {
		txn.Amount = l.Receipt.Total
		if err := l.AddTransaction(txn); err != nil {
			return err
		}
		l.Derive(now)
		return nil
	})
	s.observe(ChannelCard, EventStarted, err)
	if err != nil {
		s.logger.Warn().Err(err).Str("intent_id", intent.ID).Msg("payment intent created but transaction not opened")
		return nil, err
	}

	stored, _ := l.Transaction(txn.ID)
	return &CardPayment{Transaction: stored, ClientSecret: intent.ClientSecret}, nil
}

// RecordCardSuccess marks the transaction succeeded. ref is a transaction id or a gateway
// reference. Replays are successful no-ops.
func (s *Service) RecordCardSuccess(ctx context.Context, ref string) (*Receipt, error) {
	return s.settleCard(ctx, ref, true)
}

// RecordCardFailure marks the transaction failed. It never overrides a recorded success.
func (s *Service) RecordCardFailure(ctx context.Context, ref string) (*Receipt, error) {
	return s.settleCard(ctx, ref, false)
}

func (s *Service) settleCard(ctx context.Context, ref string, succeeded bool) (*Receipt, error) {
	txn, err := s.findTransaction(ctx, ref)
	if err != nil {
		return nil, err
	}
	l, _, err := s.applySettlement(ctx, txn, succeeded)
	if err != nil {
		return nil, err
	}
	return &l.Receipt, nil
}

func (s *Service) applySettlement(ctx context.Context, txn *PaymentTransaction, succeeded bool) (*Ledger, bool, error) {
	now := s.now()
	var changed bool
	l, err := s.store.Update(ctx, txn.BillID, func(l *Ledger) error {
		var err error
		if changed, err = l.SettleTransaction(txn.ID, succeeded, now); err != nil {
			return err
		}
		l.Derive(now)
		return nil
	})
	s.observe(ChannelCard, EventSettled, err)
	if err != nil {
		return nil, false, err
	}

	outcome := OutcomeFailed
	if succeeded {
		outcome = OutcomeSucceeded
	}
	s.logResolution(l, ChannelCard, txn.ID, outcome, changed)
	return l, changed, nil
}

// ConfirmCardPayment asks the gateway for the transaction's status. A pending answer or a
// timeout leaves the transaction untouched and reports OutcomeUnknown.
func (s *Service) ConfirmCardPayment(ctx context.Context, transactionID uuid.UUID) (*Confirmation, error) {
	billID, err := s.store.ReceiptOf(ctx, ChannelCard, transactionID)
	if err != nil {
		return nil, err
	}
	current, err := s.store.GetLedger(ctx, billID)
	if err != nil {
		return nil, err
	}
	txn, ok := current.Transaction(transactionID)
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if txn.Status.Terminal() {
		return &Confirmation{Outcome: string(txn.Status), Receipt: current.Receipt}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	status, err := s.gateway.RetrieveStatus(lookupCtx, txn.GatewayRef)
	cancel()
	if err != nil {
		if errors.Is(err, ErrGatewayTimeout) || errors.Is(err, context.DeadlineExceeded) {
			s.observe(ChannelCard, "confirm", nil)
			s.logger.Warn().Err(err).Stringer("transaction_id", txn.ID).Msg("gateway timed out, payment outcome unknown")
			return &Confirmation{Outcome: OutcomeUnknown, Receipt: current.Receipt}, nil
		}
		s.observe(ChannelCard, "confirm", err)
		return nil, fmt.Errorf("retrieve payment status: %w", err)
	}

	switch status {
	case IntentSucceeded, IntentFailed:
		l, _, err := s.applySettlement(ctx, &txn, status == IntentSucceeded)
		if err != nil {
			return nil, err
		}
		final, _ := l.Transaction(txn.ID)
		return &Confirmation{Outcome: string(final.Status), Receipt: l.Receipt}, nil
	default:
		return &Confirmation{Outcome: OutcomeUnknown, Receipt: current.Receipt}, nil
	}
}

// SweepPendingCardPayments confirms pending transactions older than minAge. Individual
// failures are logged and counted; the sweep keeps going.
func (s *Service) SweepPendingCardPayments(ctx context.Context, minAge time.Duration, limit int) (SweepResult, error) {
	var res SweepResult
	if limit <= 0 {
		limit = maxListLimit
	}

	pending, err := s.store.PendingTransactions(ctx, s.now().Add(-minAge), limit)
	if err != nil {
		return res, fmt.Errorf("list pending transactions: %w", err)
	}

	for _, txn := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		conf, err := s.ConfirmCardPayment(ctx, txn.ID)
		if err != nil {
			res.Errors++
			s.logger.Warn().Err(err).Stringer("transaction_id", txn.ID).Msg("confirm pending payment failed")
			continue
		}
		switch conf.Outcome {
		case OutcomeSucceeded:
			res.Succeeded++
		case OutcomeFailed:
			res.Failed++
		default:
			res.Unknown++
		}
	}
	return res, nil
}

// MarkOverdue moves idle Pending receipts whose due date has passed to Overdue. Receipts
// with an open channel keep their pending status.
func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.OverdueCandidates(ctx, now, maxListLimit*10)
	if err != nil {
		return 0, fmt.Errorf("list overdue candidates: %w", err)
	}

	marked := 0
	for _, id := range ids {
		l, err := s.store.Update(ctx, id, func(l *Ledger) error {
			l.MarkOverdue(now)
			return nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Stringer("receipt_id", id).Msg("mark overdue failed")
			continue
		}
		if l.Receipt.Status == StatusOverdue {
			marked++
		}
	}
	return marked, nil
}

func (s *Service) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("dashboard stats: %w", err)
	}
	return stats, nil
}

func (s *Service) findTransaction(ctx context.Context, ref string) (*PaymentTransaction, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.New(apperr.Validation, "transaction reference is required")
	}
	if id, err := uuid.Parse(ref); err == nil {
		billID, err := s.store.ReceiptOf(ctx, ChannelCard, id)
		if err != nil {
			return nil, err
		}
		return &PaymentTransaction{ID: id, BillID: billID}, nil
	}
	return s.store.TransactionByGatewayRef(ctx, ref)
}

func (s *Service) observe(ch Channel, event string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	s.metrics.ObserveSettlement(string(ch), event, outcome)
}

func (s *Service) logResolution(l *Ledger, ch Channel, recordID uuid.UUID, status string, changed bool) {
	ev := s.logger.Info()
	if !changed {
		ev = s.logger.Debug()
	}
	ev.Str("receipt_no", l.Receipt.ReceiptNo).
		Str("channel", string(ch)).
		Stringer("record_id", recordID).
		Str("resolution", status).
		Bool("replay", !changed).
		Str("receipt_status", string(l.Receipt.Status)).
		Msg("settlement recorded")
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
