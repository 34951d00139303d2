package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-operations/internal/apperr"
)

var (
	ErrReceiptPaid     = apperr.New(apperr.InvalidState, "receipt is already paid")
	ErrClaimOpen       = apperr.New(apperr.InvalidState, "receipt already has an open insurance claim")
	ErrFundingOpen     = apperr.New(apperr.InvalidState, "receipt already has an open funding request")
	ErrPaymentOpen     = apperr.New(apperr.InvalidState, "a card payment is already in progress for this receipt")
	ErrClaimSettled    = apperr.New(apperr.InvalidState, "an approved claim cannot be deleted")
	ErrFundingSettled  = apperr.New(apperr.InvalidState, "an approved funding request cannot be deleted")
	ErrInvalidResolved = apperr.New(apperr.Validation, "status must be processing, approved or rejected")
)

type removal struct {
	channel Channel
	id      uuid.UUID
}

// Ledger is a receipt together with every settlement record that references it. It is loaded
// and saved as a unit under a row lock on the receipt; the receipt status is always derived
// from the records, never written directly.
type Ledger struct {
	Receipt      Receipt              `json:"receipt"`
	Transactions []PaymentTransaction `json:"transactions"`
	Claims       []InsuranceClaim     `json:"claims"`
	Fundings     []GovernmentFunding  `json:"fundings"`

	dirty   map[uuid.UUID]bool
	removed []removal
	changed bool
}

func (l *Ledger) markDirty(id uuid.UUID) {
	if l.dirty == nil {
		l.dirty = make(map[uuid.UUID]bool)
	}
	l.dirty[id] = true
	l.changed = true
}

// Changed reports whether any mutation happened since the ledger was loaded.
func (l *Ledger) Changed() bool { return l.changed }

func (l *Ledger) isDirty(id uuid.UUID) bool { return l.dirty[id] }

// nextSeq orders channel openings. The receipt version is bumped on every save, so
// version+1 is unique across the receipt's history.
func (l *Ledger) nextSeq() int64 { return l.Receipt.Version + 1 }

func (l *Ledger) openTransaction() *PaymentTransaction {
	for i := range l.Transactions {
		if l.Transactions[i].Status == TxPending {
			return &l.Transactions[i]
		}
	}
	return nil
}

func (l *Ledger) openClaim() *InsuranceClaim {
	for i := range l.Claims {
		if !l.Claims[i].Status.Terminal() {
			return &l.Claims[i]
		}
	}
	return nil
}

func (l *Ledger) openFunding() *GovernmentFunding {
	for i := range l.Fundings {
		if !l.Fundings[i].Status.Terminal() {
			return &l.Fundings[i]
		}
	}
	return nil
}

func (l *Ledger) paid() bool {
	for _, t := range l.Transactions {
		if t.Status == TxSucceeded {
			return true
		}
	}
	for _, c := range l.Claims {
		if c.Status == RequestApproved {
			return true
		}
	}
	for _, f := range l.Fundings {
		if f.Status == RequestApproved {
			return true
		}
	}
	return false
}

func (l *Ledger) AddTransaction(t PaymentTransaction) error {
	if l.paid() {
		return ErrReceiptPaid
	}
	if l.openTransaction() != nil {
		return ErrPaymentOpen
	}
	t.BillID = l.Receipt.ID
	t.ReceiptNo = l.Receipt.ReceiptNo
	t.Method = MethodCard
	t.Status = TxPending
	t.OpenedSeq = l.nextSeq()
	l.Transactions = append(l.Transactions, t)
	l.markDirty(t.ID)
	return nil
}

func (l *Ledger) AddClaim(c InsuranceClaim) error {
	if l.paid() {
		return ErrReceiptPaid
	}
	if l.openClaim() != nil {
		return ErrClaimOpen
	}
	c.BillID = l.Receipt.ID
	c.ReceiptNo = l.Receipt.ReceiptNo
	c.Status = RequestSubmitted
	c.OpenedSeq = l.nextSeq()
	l.Claims = append(l.Claims, c)
	l.markDirty(c.ID)
	return nil
}

func (l *Ledger) AddFunding(f GovernmentFunding) error {
	if l.paid() {
		return ErrReceiptPaid
	}
	if l.openFunding() != nil {
		return ErrFundingOpen
	}
	f.BillID = l.Receipt.ID
	f.ReceiptNo = l.Receipt.ReceiptNo
	f.Status = RequestSubmitted
	f.OpenedSeq = l.nextSeq()
	l.Fundings = append(l.Fundings, f)
	l.markDirty(f.ID)
	return nil
}

// SettleTransaction records the gateway's terminal answer. Settling an already terminal
// transaction is a no-op and reports false.
func (l *Ledger) SettleTransaction(id uuid.UUID, succeeded bool, now time.Time) (bool, error) {
	for i := range l.Transactions {
		t := &l.Transactions[i]
		if t.ID != id {
			continue
		}
		if t.Status.Terminal() {
			return false, nil
		}
		t.Status = TxFailed
		if succeeded {
			t.Status = TxSucceeded
		}
		t.UpdatedAt = now
		t.SettledAt = &now
		l.markDirty(t.ID)
		return true, nil
	}
	return false, ErrTransactionNotFound
}

// ResolveClaim moves a claim forward. Resolving a claim that is already approved or rejected
// is a no-op and reports false.
func (l *Ledger) ResolveClaim(id uuid.UUID, status RequestStatus, now time.Time) (bool, error) {
	if !resolvable(status) {
		return false, ErrInvalidResolved
	}
	for i := range l.Claims {
		c := &l.Claims[i]
		if c.ID != id {
			continue
		}
		if c.Status.Terminal() || c.Status == status {
			return false, nil
		}
		c.Status = status
		c.UpdatedAt = now
		if status.Terminal() {
			c.ResolvedAt = &now
		}
		l.markDirty(c.ID)
		return true, nil
	}
	return false, ErrClaimNotFound
}

func (l *Ledger) ResolveFunding(id uuid.UUID, status RequestStatus, now time.Time) (bool, error) {
	if !resolvable(status) {
		return false, ErrInvalidResolved
	}
	for i := range l.Fundings {
		f := &l.Fundings[i]
		if f.ID != id {
			continue
		}
		if f.Status.Terminal() || f.Status == status {
			return false, nil
		}
		f.Status = status
		f.UpdatedAt = now
		if status.Terminal() {
			f.ResolvedAt = &now
		}
		l.markDirty(f.ID)
		return true, nil
	}
	return false, ErrFundingNotFound
}

func (l *Ledger) RemoveClaim(id uuid.UUID) error {
	for i, c := range l.Claims {
		if c.ID != id {
			continue
		}
		if c.Status == RequestApproved {
			return ErrClaimSettled
		}
		l.Claims = append(l.Claims[:i], l.Claims[i+1:]...)
		l.removed = append(l.removed, removal{channel: ChannelClaim, id: id})
		l.changed = true
		return nil
	}
	return ErrClaimNotFound
}

func (l *Ledger) RemoveFunding(id uuid.UUID) error {
	for i, f := range l.Fundings {
		if f.ID != id {
			continue
		}
		if f.Status == RequestApproved {
			return ErrFundingSettled
		}
		l.Fundings = append(l.Fundings[:i], l.Fundings[i+1:]...)
		l.removed = append(l.removed, removal{channel: ChannelFunding, id: id})
		l.changed = true
		return nil
	}
	return ErrFundingNotFound
}

// Derive recomputes the receipt status from its settlement records:
//  1. any succeeded transaction or approved claim/funding makes the receipt Paid;
//  2. otherwise the most recently opened open channel decides;
//  3. otherwise Pending. An Overdue receipt stays Overdue only while no record changed.
//
// Overdue itself is only applied by MarkOverdue.
func (l *Ledger) Derive(now time.Time) {
	l.apply(now, false)
}

// MarkOverdue derives the status and moves an idle receipt past its due date to Overdue.
func (l *Ledger) MarkOverdue(now time.Time) {
	l.apply(now, true)
}

func (l *Ledger) apply(now time.Time, sweep bool) {
	r := &l.Receipt
	status, via := l.derive(now, sweep)

	if status == r.Status && via == r.PaidVia {
		return
	}
	r.Status = status
	r.PaidVia = via
	r.UpdatedAt = now
	l.changed = true
}

func (l *Ledger) derive(now time.Time, sweep bool) (ReceiptStatus, Channel) {
	if via := l.firstSuccess(); via != "" {
		if l.Receipt.PaidVia != "" {
			via = l.Receipt.PaidVia
		}
		return StatusPaid, via
	}

	var latest Channel
	var latestSeq int64 = -1
	consider := func(ch Channel, seq int64) {
		if seq > latestSeq {
			latest, latestSeq = ch, seq
		}
	}
	if t := l.openTransaction(); t != nil {
		consider(ChannelCard, t.OpenedSeq)
	}
	if c := l.openClaim(); c != nil {
		consider(ChannelClaim, c.OpenedSeq)
	}
	if f := l.openFunding(); f != nil {
		consider(ChannelFunding, f.OpenedSeq)
	}
	if latest != "" {
		return latest.pendingStatus(), ""
	}

	if sweep {
		if due := l.Receipt.DueAt; due != nil && now.After(*due) {
			return StatusOverdue, ""
		}
	}
	if l.Receipt.Status == StatusOverdue && !l.changed {
		return StatusOverdue, ""
	}
	return StatusPending, ""
}

// firstSuccess returns the channel whose success was recorded earliest.
func (l *Ledger) firstSuccess() Channel {
	var via Channel
	var at time.Time
	consider := func(ch Channel, ts *time.Time) {
		if ts == nil {
			ts = &time.Time{}
		}
		if via == "" || ts.Before(at) {
			via, at = ch, *ts
		}
	}
	for _, t := range l.Transactions {
		if t.Status == TxSucceeded {
			consider(ChannelCard, t.SettledAt)
		}
	}
	for _, c := range l.Claims {
		if c.Status == RequestApproved {
			consider(ChannelClaim, c.ResolvedAt)
		}
	}
	for _, f := range l.Fundings {
		if f.Status == RequestApproved {
			consider(ChannelFunding, f.ResolvedAt)
		}
	}
	return via
}

func (l *Ledger) Transaction(id uuid.UUID) (PaymentTransaction, bool) {
	for _, t := range l.Transactions {
		if t.ID == id {
			return t, true
		}
	}
	return PaymentTransaction{}, false
}

func resolvable(s RequestStatus) bool {
	return s == RequestProcessing || s == RequestApproved || s == RequestRejected
}
