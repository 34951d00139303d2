package billing

import (
	"time"

	"github.com/google/uuid"
)

type ReceiptStatus string

const (
	StatusPending        ReceiptStatus = "Pending"
	StatusPaid           ReceiptStatus = "Paid"
	StatusClaimPending   ReceiptStatus = "ClaimPending"
	StatusFundingPending ReceiptStatus = "FundingPending"
	StatusOverdue        ReceiptStatus = "Overdue"
)

func (s ReceiptStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusClaimPending, StatusFundingPending, StatusOverdue:
		return true
	}
	return false
}

// Channel names a settlement source.
type Channel string

const (
	ChannelCard    Channel = "card"
	ChannelClaim   Channel = "insurance_claim"
	ChannelFunding Channel = "government_funding"
)

// pendingStatus is the receipt status shown while the channel is the most recently opened one.
func (c Channel) pendingStatus() ReceiptStatus {
	switch c {
	case ChannelClaim:
		return StatusClaimPending
	case ChannelFunding:
		return StatusFundingPending
	default:
		return StatusPending
	}
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSucceeded TxStatus = "succeeded"
	TxFailed    TxStatus = "failed"
)

func (s TxStatus) Terminal() bool { return s == TxSucceeded || s == TxFailed }

// RequestStatus is shared by insurance claims and government funding requests.
type RequestStatus string

const (
	RequestSubmitted  RequestStatus = "submitted"
	RequestProcessing RequestStatus = "processing"
	RequestApproved   RequestStatus = "approved"
	RequestRejected   RequestStatus = "rejected"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestSubmitted, RequestProcessing, RequestApproved, RequestRejected:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool { return s == RequestApproved || s == RequestRejected }

const MethodCard = "card"

type LineItem struct {
	ServiceName string `json:"service_name"`
	Cost        int64  `json:"cost"`
}

// Receipt amounts are in minor currency units. Total is stored as given and never recomputed.
type Receipt struct {
	ID          uuid.UUID     `json:"id"`
	ReceiptNo   string        `json:"receipt_no"`
	PatientID   uuid.UUID     `json:"patient_id"`
	PatientName string        `json:"patient_name"`
	Items       []LineItem    `json:"items"`
	Total       int64         `json:"total"`
	Status      ReceiptStatus `json:"status"`
	DueAt       *time.Time    `json:"due_at,omitempty"`
	PaidVia     Channel       `json:"paid_via,omitempty"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type PaymentTransaction struct {
	ID         uuid.UUID  `json:"id"`
	BillID     uuid.UUID  `json:"bill_id"`
	ReceiptNo  string     `json:"receipt_no"`
	Amount     int64      `json:"amount"`
	Method     string     `json:"method"`
	GatewayRef string     `json:"gateway_ref"`
	Status     TxStatus   `json:"status"`
	OpenedSeq  int64      `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

type InsuranceClaim struct {
	ID           uuid.UUID     `json:"id"`
	BillID       uuid.UUID     `json:"bill_id"`
	ReceiptNo    string        `json:"receipt_no"`
	Amount       int64         `json:"amount"`
	Provider     string        `json:"provider"`
	PolicyNumber string        `json:"policy_number"`
	ClaimantName string        `json:"claimant_name"`
	ClaimantID   string        `json:"claimant_id"`
	Status       RequestStatus `json:"status"`
	OpenedSeq    int64         `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

type GovernmentFunding struct {
	ID              uuid.UUID     `json:"id"`
	BillID          uuid.UUID     `json:"bill_id"`
	ReceiptNo       string        `json:"receipt_no"`
	Amount          int64         `json:"amount"`
	ProgramType     string        `json:"program_type"`
	BeneficiaryName string        `json:"beneficiary_name"`
	BeneficiaryID   string        `json:"beneficiary_id"`
	Status          RequestStatus `json:"status"`
	OpenedSeq       int64         `json:"-"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
}

type NewReceipt struct {
	PatientID uuid.UUID
	Items     []LineItem
	// Total defaults to the sum of item costs when zero.
	Total int64
}

type ClaimRequest struct {
	BillID       uuid.UUID
	Amount       int64
	Provider     string
	PolicyNumber string
	ClaimantName string
	ClaimantID   string
}

type FundingRequest struct {
	BillID          uuid.UUID
	Amount          int64
	ProgramType     string
	BeneficiaryName string
	BeneficiaryID   string
}

type ReceiptFilter struct {
	Status    ReceiptStatus
	PatientID uuid.UUID
	Limit     int
	Offset    int
}

// CardPayment is returned when a card payment is started. ClientSecret is handed to the
// patient's browser and is never stored.
type CardPayment struct {
	Transaction  PaymentTransaction `json:"transaction"`
	ClientSecret string             `json:"client_secret"`
}

// Confirmation outcomes. OutcomeUnknown means the gateway could not give a terminal answer
// in time; the transaction stays pending.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeUnknown   = "unknown"
)

type Confirmation struct {
	Outcome string  `json:"outcome"`
	Receipt Receipt `json:"receipt"`
}

type SweepResult struct {
	Checked   int `json:"checked"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Unknown   int `json:"unknown"`
	Errors    int `json:"errors"`
}

// DashboardStats is a read-side projection. PendingTotal sums receipts in Pending status only;
// OutstandingTotal sums every receipt that is not Paid.
type DashboardStats struct {
	ReceiptsByStatus map[ReceiptStatus]int `json:"receipts_by_status"`
	TotalReceipts    int                   `json:"total_receipts"`
	Transactions     int                   `json:"transactions"`
	Claims           int                   `json:"claims"`
	Fundings         int                   `json:"fundings"`
	PaidTotal        int64                 `json:"paid_total"`
	PendingTotal     int64                 `json:"pending_total"`
	OutstandingTotal int64                 `json:"outstanding_total"`
}
