package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-operations/internal/billing"
)

// BillingService is the reconciliation surface the handlers need.
type BillingService interface {
	CreateReceipt(ctx context.Context, req billing.NewReceipt) (*billing.Receipt, error)
	GetReceipt(ctx context.Context, id uuid.UUID) (*billing.Ledger, error)
	ListReceipts(ctx context.Context, f billing.ReceiptFilter) ([]billing.Receipt, error)
	SubmitClaim(ctx context.Context, req billing.ClaimRequest) (*billing.InsuranceClaim, *billing.Receipt, error)
	ResolveClaim(ctx context.Context, claimID uuid.UUID, status billing.RequestStatus) (*billing.Receipt, error)
	DeleteClaim(ctx context.Context, claimID uuid.UUID) (*billing.Receipt, error)
	SubmitFunding(ctx context.Context, req billing.FundingRequest) (*billing.GovernmentFunding, *billing.Receipt, error)
	ResolveFunding(ctx context.Context, fundingID uuid.UUID, status billing.RequestStatus) (*billing.Receipt, error)
	DeleteFunding(ctx context.Context, fundingID uuid.UUID) (*billing.Receipt, error)
	StartCardPayment(ctx context.Context, receiptID uuid.UUID) (*billing.CardPayment, error)
	TransactionReceipt(ctx context.Context, transactionID uuid.UUID) (uuid.UUID, error)
	ConfirmCardPayment(ctx context.Context, transactionID uuid.UUID) (*billing.Confirmation, error)
	RecordCardSuccess(ctx context.Context, ref string) (*billing.Receipt, error)
	RecordCardFailure(ctx context.Context, ref string) (*billing.Receipt, error)
	DashboardStats(ctx context.Context) (*billing.DashboardStats, error)
}

const (
	signatureHeader    = "Gateway-Signature"
	signatureTolerance = 5 * time.Minute
	maxWebhookBody     = 64 << 10
)

func createReceiptHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateReceiptRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		patientID, ok := parseUUIDField(w, req.PatientID, "patient_id")
		if !ok {
			return
		}

		receipt, err := svc.CreateReceipt(r.Context(), billing.NewReceipt{
			PatientID: patientID,
			Items:     req.Items,
			Total:     req.Total,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, receipt)
	}
}

// listReceiptsHandler pins patients to their own receipts.
func listReceiptsHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		q := r.URL.Query()
		f := billing.ReceiptFilter{
			Status: billing.ReceiptStatus(q.Get("status")),
			Limit:  queryInt(r, "limit"),
			Offset: queryInt(r, "offset"),
		}
		if raw := q.Get("patient_id"); raw != "" {
			id, ok := parseUUIDField(w, raw, "patient_id")
			if !ok {
				return
			}
			f.PatientID = id
		}
		if p.Role == RolePatient {
			f.PatientID = p.SubjectID
		}

		list, err := svc.ListReceipts(r.Context(), f)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if list == nil {
			list = []billing.Receipt{}
		}

		writeJSON(w, http.StatusOK, list)
	}
}

func getReceiptHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		ledger, ok := loadOwnedReceipt(w, r, svc, id)
		if !ok {
			return
		}

		writeJSON(w, http.StatusOK, ledger)
	}
}

func startCardPaymentHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		if _, ok := loadOwnedReceipt(w, r, svc, id); !ok {
			return
		}

		payment, err := svc.StartCardPayment(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, payment)
	}
}

// confirmCardPaymentHandler answers 202 while the gateway outcome is still unknown.
func confirmCardPaymentHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		receiptID, err := svc.TransactionReceipt(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if _, ok := loadOwnedReceipt(w, r, svc, receiptID); !ok {
			return
		}

		conf, err := svc.ConfirmCardPayment(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		status := http.StatusOK
		if conf.Outcome == billing.OutcomeUnknown {
			status = http.StatusAccepted
		}
		writeJSON(w, status, conf)
	}
}

// gatewayWebhookHandler applies terminal payment events. Unrelated event types are
// acknowledged and ignored.
// gatewayWebhookHandler rejects every callback when no secret is configured, unless
// allowUnsigned is set (dev only).
func gatewayWebhookHandler(svc BillingService, secret string, allowUnsigned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}
		unsignedOK := secret == "" && allowUnsigned
		if !unsignedOK && !verifySignature(secret, payload, r.Header.Get(signatureHeader), time.Now()) {
			writeError(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
			return
		}

		var ev GatewayEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		ref := ev.Data.Object.ID

		var receipt *billing.Receipt
		switch ev.Type {
		case "payment_intent.succeeded":
			receipt, err = svc.RecordCardSuccess(r.Context(), ref)
		case "payment_intent.payment_failed", "payment_intent.canceled":
			receipt, err = svc.RecordCardFailure(r.Context(), ref)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, receipt)
	}
}

func submitClaimHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitClaimRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		billID, ok := parseUUIDField(w, req.BillID, "bill_id")
		if !ok {
			return
		}
		if _, ok := loadOwnedReceipt(w, r, svc, billID); !ok {
			return
		}

		claim, receipt, err := svc.SubmitClaim(r.Context(), billing.ClaimRequest{
			BillID:       billID,
			Amount:       req.Amount,
			Provider:     req.Provider,
			PolicyNumber: req.PolicyNumber,
			ClaimantName: req.ClaimantName,
			ClaimantID:   req.ClaimantID,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, ClaimResponse{Claim: claim, Receipt: receipt})
	}
}

func resolveClaimHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ResolveRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		receipt, err := svc.ResolveClaim(r.Context(), id, billing.RequestStatus(req.Status))
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, receipt)
	}
}

func deleteClaimHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		receipt, err := svc.DeleteClaim(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, receipt)
	}
}

func submitFundingHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitFundingRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		billID, ok := parseUUIDField(w, req.BillID, "bill_id")
		if !ok {
			return
		}
		if _, ok := loadOwnedReceipt(w, r, svc, billID); !ok {
			return
		}

		funding, receipt, err := svc.SubmitFunding(r.Context(), billing.FundingRequest{
			BillID:          billID,
			Amount:          req.Amount,
			ProgramType:     req.ProgramType,
			BeneficiaryName: req.BeneficiaryName,
			BeneficiaryID:   req.BeneficiaryID,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, FundingResponse{Funding: funding, Receipt: receipt})
	}
}

func resolveFundingHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req ResolveRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		receipt, err := svc.ResolveFunding(r.Context(), id, billing.RequestStatus(req.Status))
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, receipt)
	}
}

func deleteFundingHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		receipt, err := svc.DeleteFunding(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, receipt)
	}
}

func dashboardHandler(svc BillingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.DashboardStats(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

// loadOwnedReceipt returns the ledger if the caller may see it. Patients only see their own
// receipts; anyone else's look absent.
func loadOwnedReceipt(w http.ResponseWriter, r *http.Request, svc BillingService, id uuid.UUID) (*billing.Ledger, bool) {
	ledger, err := svc.GetReceipt(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return nil, false
	}
	p, _ := PrincipalFrom(r.Context())
	if p.Role == RolePatient && ledger.Receipt.PatientID != p.SubjectID {
		writeAppError(w, r, billing.ErrReceiptNotFound)
		return nil, false
	}
	return ledger, true
}

// verifySignature checks a "t=<unix>,v1=<hex hmac>" header where the MAC covers
// "<t>.<payload>". Nothing verifies against an empty secret.
func verifySignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > signatureTolerance || d < -signatureTolerance {
		return false
	}

	expected := signPayload(secret, timestamp, payload)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

func signPayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", timestamp, payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader builds a gateway signature header value for payload at now.
func SignatureHeader(secret string, payload []byte, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return "t=" + ts + ",v1=" + signPayload(secret, ts, payload)
}
