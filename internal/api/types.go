package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-operations/internal/appointment"
	"github.com/hackgods/clinic-operations/internal/billing"
)

type BookAppointmentRequest struct {
	ResourceID string `json:"resource_id"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Symptoms   string `json:"symptoms"`
	Notes      string `json:"notes"`
	Mode       string `json:"mode"`
}

type RescheduleAppointmentRequest struct {
	Date     *string `json:"date"`
	Time     *string `json:"time"`
	Symptoms *string `json:"symptoms"`
	Notes    *string `json:"notes"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type AppointmentResponse struct {
	ID             uuid.UUID  `json:"id"`
	Number         string     `json:"appointment_number"`
	ResourceID     uuid.UUID  `json:"resource_id"`
	SubjectID      uuid.UUID  `json:"subject_id"`
	Date           string     `json:"date"`
	Time           string     `json:"time"`
	Symptoms       string     `json:"symptoms,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	PatientName    string     `json:"patient_name"`
	PatientContact string     `json:"patient_contact"`
	Status         string     `json:"status"`
	Mode           string     `json:"mode"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		Number:         a.Number,
		ResourceID:     a.ResourceID,
		SubjectID:      a.SubjectID,
		Date:           a.Date,
		Time:           a.Time,
		Symptoms:       a.Symptoms,
		Notes:          a.Notes,
		PatientName:    a.PatientName,
		PatientContact: a.PatientContact,
		Status:         string(a.Status),
		Mode:           string(a.Mode),
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
		CancelledAt:    a.CancelledAt,
	}
}

func toAppointmentList(list []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(list))
	for i := range list {
		out = append(out, toAppointmentResponse(&list[i]))
	}
	return out
}

type CreateReceiptRequest struct {
	PatientID string             `json:"patient_id"`
	Items     []billing.LineItem `json:"items"`
	Total     int64              `json:"total"`
}

type SubmitClaimRequest struct {
	BillID       string `json:"bill_id"`
	Amount       int64  `json:"amount"`
	Provider     string `json:"provider"`
	PolicyNumber string `json:"policy_number"`
	ClaimantName string `json:"claimant_name"`
	ClaimantID   string `json:"claimant_id"`
}

type SubmitFundingRequest struct {
	BillID          string `json:"bill_id"`
	Amount          int64  `json:"amount"`
	ProgramType     string `json:"program_type"`
	BeneficiaryName string `json:"beneficiary_name"`
	BeneficiaryID   string `json:"beneficiary_id"`
}

type ResolveRequest struct {
	Status string `json:"status"`
}

type ClaimResponse struct {
	Claim   *billing.InsuranceClaim `json:"claim"`
	Receipt *billing.Receipt        `json:"receipt"`
}

type FundingResponse struct {
	Funding *billing.GovernmentFunding `json:"funding"`
	Receipt *billing.Receipt           `json:"receipt"`
}

// GatewayEvent is the callback body sent by the payment gateway.
type GatewayEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
