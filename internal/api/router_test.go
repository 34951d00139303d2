package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-operations/internal/apperr"
	"github.com/hackgods/clinic-operations/internal/appointment"
	"github.com/hackgods/clinic-operations/internal/billing"
)

const testSigningKey = "test-signing-key"

type fakeAppointments struct {
	AppointmentService
	bookReq appointment.BookRequest
	bookErr error
	get     *appointment.Appointment

	scheduleFor  uuid.UUID
	scheduleDate string
}

func (f *fakeAppointments) Book(_ context.Context, req appointment.BookRequest) (*appointment.Appointment, error) {
	f.bookReq = req
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	return &appointment.Appointment{
		ID: uuid.New(), Number: "1", ResourceID: req.ResourceID, SubjectID: req.SubjectID,
		Date: req.Date, Time: req.Time, Status: appointment.StatusPending, Mode: appointment.ModePhysical,
	}, nil
}

func (f *fakeAppointments) Get(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	if f.get == nil || f.get.ID != id {
		return nil, appointment.ErrAppointmentNotFound
	}
	return f.get, nil
}

func (f *fakeAppointments) ListForResource(_ context.Context, resourceID uuid.UUID, date string) ([]appointment.Appointment, error) {
	f.scheduleFor, f.scheduleDate = resourceID, date
	return nil, nil
}

type fakeBilling struct {
	BillingService
	ledger     *billing.Ledger
	succeeded  []string
	confirmOut string
	confirmed  int
}

func (f *fakeBilling) GetReceipt(_ context.Context, id uuid.UUID) (*billing.Ledger, error) {
	if f.ledger == nil || f.ledger.Receipt.ID != id {
		return nil, billing.ErrReceiptNotFound
	}
	return f.ledger, nil
}

func (f *fakeBilling) RecordCardSuccess(_ context.Context, ref string) (*billing.Receipt, error) {
	f.succeeded = append(f.succeeded, ref)
	return &billing.Receipt{Status: billing.StatusPaid}, nil
}

func (f *fakeBilling) TransactionReceipt(_ context.Context, id uuid.UUID) (uuid.UUID, error) {
	if f.ledger == nil {
		return uuid.Nil, billing.ErrTransactionNotFound
	}
	if _, ok := f.ledger.Transaction(id); !ok {
		return uuid.Nil, billing.ErrTransactionNotFound
	}
	return f.ledger.Receipt.ID, nil
}

func (f *fakeBilling) ConfirmCardPayment(context.Context, uuid.UUID) (*billing.Confirmation, error) {
	f.confirmed++
	return &billing.Confirmation{Outcome: f.confirmOut}, nil
}

type testServer struct {
	handler http.Handler
	auth    *Authenticator
	appts   *fakeAppointments
	bills   *fakeBilling
}

func newTestServer(t *testing.T, webhookSecret string) *testServer {
	t.Helper()
	s := &testServer{
		auth:  NewAuthenticator(testSigningKey),
		appts: &fakeAppointments{},
		bills: &fakeBilling{},
	}
	s.handler = NewRouter(RouterConfig{
		Appointments:  s.appts,
		Billing:       s.bills,
		Auth:          s.auth,
		WebhookSecret: webhookSecret,
		Logger:        zerolog.Nop(),
		Checks: []Check{
			{Name: "postgres", Critical: true, Ping: func(context.Context) error { return nil }},
			{Name: "redis", Ping: func(context.Context) error { return errors.New("down") }},
		},
	})
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any, subject uuid.UUID, role string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		token, err := s.auth.Issue(subject, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestBookUsesTokenSubject(t *testing.T) {
	s := newTestServer(t, "")
	patient, doctor := uuid.New(), uuid.New()

	rec := s.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		ResourceID: doctor.String(), Date: "2025-03-01", Time: "10:00",
	}, patient, RolePatient)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, patient, s.appts.bookReq.SubjectID)
	assert.Equal(t, doctor, s.appts.bookReq.ResourceID)

	var resp AppointmentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "1", resp.Number)
	assert.Equal(t, "pending", resp.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuthAndRoles(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{}, uuid.Nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{ResourceID: uuid.NewString()}, uuid.New(), RoleDoctor)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/appointments/mine", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := NewAuthenticator("another-key")
	token, err := other.Issue(uuid.New(), RoleAdmin, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/billing/dashboard", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{appointment.ErrSlotConflict, http.StatusConflict, "conflict"},
		{appointment.ErrMissingContact, http.StatusBadRequest, "validation_error"},
		{apperr.New(apperr.NotFound, "provider not found"), http.StatusNotFound, "not_found"},
		{appointment.ErrNotModifiable, http.StatusConflict, "invalid_state"},
		{errors.New("connection reset"), http.StatusServiceUnavailable, "infrastructure"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			s := newTestServer(t, "")
			s.appts.bookErr = tt.err

			rec := s.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
				ResourceID: uuid.NewString(), Date: "2025-03-01", Time: "10:00",
			}, uuid.New(), RolePatient)

			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Error)
			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, "5", rec.Header().Get("Retry-After"))
				assert.NotContains(t, resp.Details, "connection reset")
			}
		})
	}
}

func TestGetAppointmentVisibility(t *testing.T) {
	s := newTestServer(t, "")
	owner, doctor := uuid.New(), uuid.New()
	s.appts.get = &appointment.Appointment{ID: uuid.New(), SubjectID: owner, ResourceID: doctor, Status: appointment.StatusPending}
	path := "/appointments/" + s.appts.get.ID.String()

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, nil, owner, RolePatient).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, nil, doctor, RoleDoctor).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, nil, uuid.New(), RoleAdmin).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, nil, uuid.New(), RolePatient).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, nil, uuid.New(), RoleDoctor).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/appointments/nope", nil, owner, RolePatient).Code)
}

func TestDoctorSchedule(t *testing.T) {
	s := newTestServer(t, "")
	doctor := uuid.New()

	rec := s.do(t, http.MethodGet, "/appointments/schedule?date=2025-03-01", nil, doctor, RoleDoctor)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, doctor, s.appts.scheduleFor)
	assert.Equal(t, "2025-03-01", s.appts.scheduleDate)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/appointments/schedule", nil, uuid.New(), RolePatient).Code)
}

func TestReceiptOwnership(t *testing.T) {
	s := newTestServer(t, "")
	owner := uuid.New()
	s.bills.ledger = &billing.Ledger{Receipt: billing.Receipt{ID: uuid.New(), PatientID: owner, Status: billing.StatusPending}}
	path := "/receipts/" + s.bills.ledger.Receipt.ID.String()

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, nil, owner, RolePatient).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, nil, uuid.New(), RolePatient).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, path, nil, uuid.New(), RoleDoctor).Code)
}

func withTransaction(s *testServer, owner uuid.UUID) uuid.UUID {
	txnID := uuid.New()
	s.bills.ledger = &billing.Ledger{
		Receipt:      billing.Receipt{ID: uuid.New(), PatientID: owner, Status: billing.StatusPending},
		Transactions: []billing.PaymentTransaction{{ID: txnID, GatewayRef: "pi_1", Status: billing.TxPending}},
	}
	return txnID
}

func TestConfirmUnknownOutcomeIsAccepted(t *testing.T) {
	s := newTestServer(t, "")
	owner := uuid.New()
	path := "/card-payments/" + withTransaction(s, owner).String() + "/confirm"

	s.bills.confirmOut = billing.OutcomeUnknown
	assert.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, path, nil, owner, RolePatient).Code)

	s.bills.confirmOut = billing.OutcomeSucceeded
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, path, nil, owner, RolePatient).Code)
}

func TestConfirmCardPaymentChecksReceiptOwner(t *testing.T) {
	s := newTestServer(t, "")
	owner := uuid.New()
	path := "/card-payments/" + withTransaction(s, owner).String() + "/confirm"
	s.bills.confirmOut = billing.OutcomeSucceeded

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, path, nil, uuid.New(), RolePatient).Code)
	assert.Zero(t, s.bills.confirmed)

	missing := "/card-payments/" + uuid.NewString() + "/confirm"
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, missing, nil, owner, RolePatient).Code)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, path, nil, uuid.New(), RoleAdmin).Code)
	assert.Equal(t, 1, s.bills.confirmed)
}

func TestGatewayWebhook(t *testing.T) {
	const secret = "whsec_test"
	s := newTestServer(t, secret)
	payload := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(payload))
		req.Header.Set(signatureHeader, sig)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send("t=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, s.bills.succeeded)

	rec = send(SignatureHeader(secret, payload, time.Now()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pi_123"}, s.bills.succeeded)
}

func TestGatewayWebhookWithoutSecret(t *testing.T) {
	payload := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_anything"}}}`)
	send := func(s *testServer) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(payload))
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	s := newTestServer(t, "")
	assert.Equal(t, http.StatusUnauthorized, send(s))
	assert.Empty(t, s.bills.succeeded)

	dev := newTestServer(t, "")
	dev.handler = NewRouter(RouterConfig{
		Appointments:          dev.appts,
		Billing:               dev.bills,
		Auth:                  dev.auth,
		AllowUnsignedWebhooks: true,
		Logger:                zerolog.Nop(),
	})
	assert.Equal(t, http.StatusOK, send(dev))
	assert.Equal(t, []string{"pi_anything"}, dev.bills.succeeded)
}

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := signPayload("secret", ts, payload)

	assert.False(t, verifySignature("", payload, "", now))
	assert.False(t, verifySignature("", payload, "t="+ts+",v1="+signPayload("", ts, payload), now))
	assert.True(t, verifySignature("secret", payload, "t="+ts+",v1="+sig, now))
	assert.True(t, verifySignature("secret", payload, "t="+ts+",v1=bogus,v1="+sig, now))
	assert.False(t, verifySignature("secret", payload, "t="+ts+",v1="+sig, now.Add(10*time.Minute)))
	assert.False(t, verifySignature("secret", []byte(`{"x":1}`), "t="+ts+",v1="+sig, now))
	assert.False(t, verifySignature("secret", payload, "v1="+sig, now))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/health/live", nil, uuid.Nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/health/ready", nil, uuid.Nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "down", resp.Dependencies["redis"])
}
