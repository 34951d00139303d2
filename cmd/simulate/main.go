package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-operations/internal/api"
	"github.com/hackgods/clinic-operations/internal/billing"
	"github.com/hackgods/clinic-operations/internal/config"
	"github.com/hackgods/clinic-operations/internal/db"
	"github.com/hackgods/clinic-operations/internal/logging"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	HotDoctors    int // bookings concentrate on this many doctors to force slot contention
	BookingRatio  float64
	BillingRatio  float64
	ReadRatio     float64
	PatientLimit  int
	PostgresDSN   string
	SigningKey    string
	WebhookSecret string
}

var slotTimes = []string{"09:00", "09:30", "10:00", "10:30", "11:00"}

type booked struct {
	ID    uuid.UUID
	Owner uuid.UUID
}

type DataPool struct {
	Patients     []uuid.UUID
	Doctors      []uuid.UUID
	Admin        uuid.UUID
	mu           sync.RWMutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min2(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min2(len(latencies)*95/100, len(latencies)-1)]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Booking    OperationMetrics
	Cancel     OperationMetrics
	ListMine   OperationMetrics
	Settlement OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	auth    *api.Authenticator
	client  *http.Client
	metrics Metrics
	logger  zerolog.Logger
	tokens  sync.Map
	// settled receipts whose final status was not Paid
	unpaid atomic.Int64
}

func main() {
	cfg, logger := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("billing", cfg.BillingRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 4)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("patients", len(dataPool.Patients)).Int("doctors", len(dataPool.Doctors)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		auth:   api.NewAuthenticator(cfg.SigningKey),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport()

	if err := verifySlots(context.Background(), pgPool); err != nil {
		logger.Error().Err(err).Msg("slot invariant violated")
		os.Exit(1)
	}
	logger.Info().Msg("no slot holds more than one active appointment")
}

func loadConfig() (SimConfig, zerolog.Logger) {
	baseCfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info")
		bootLogger.Fatal().Err(err).Msg("failed to load base config")
	}
	logger := logging.New(baseCfg.Env, baseCfg.LogLevel).With().Str("component", "simulate").Logger()

	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		HotDoctors:    getInt("SIM_HOT_DOCTORS", 3),
		BookingRatio:  getFloat("SIM_BOOKING_RATIO", 0.5),
		BillingRatio:  getFloat("SIM_BILLING_RATIO", 0.2),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit:  getInt("SIM_PATIENT_LIMIT", 2000),
		PostgresDSN:   baseCfg.PostgresDSN,
		SigningKey:    baseCfg.JWTSigningKey,
		WebhookSecret: baseCfg.WebhookSecret,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.BillingRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.BillingRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg, logger
}

func validateConfig(cfg SimConfig) error {
	if cfg.SigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required to mint simulation tokens")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.HotDoctors <= 0 {
		return fmt.Errorf("SIM_HOT_DOCTORS must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients WHERE contact IS NOT NULL AND contact <> '' LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT id FROM providers WHERE role = 'doctor' ORDER BY created_at LIMIT $1
	`, cfg.HotDoctors)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}
	rows.Close()

	if err := pool.QueryRow(ctx, `
		SELECT id FROM providers WHERE role = 'admin' ORDER BY created_at LIMIT 1
	`).Scan(&dataPool.Admin); err != nil {
		return nil, fmt.Errorf("load admin (set ADMIN_EMAILS and run seed): %w", err)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				if rng.Intn(5) == 0 {
					s.doCancel(ctx, rng)
				} else {
					s.doBooking(ctx, rng)
				}
			case r < s.config.BookingRatio+s.config.BillingRatio:
				s.doSettlement(ctx, rng)
			default:
				s.doListMine(ctx, rng)
			}
		}
	}
}

func (s *Simulator) token(id uuid.UUID, role string) string {
	key := role + ":" + id.String()
	if t, ok := s.tokens.Load(key); ok {
		return t.(string)
	}
	t, err := s.auth.Issue(id, role, time.Hour)
	if err != nil {
		s.logger.Fatal().Err(err).Msg("issue token")
	}
	s.tokens.Store(key, t)
	return t
}

// call sends a JSON request as the given principal and decodes a 2xx body into out.
func (s *Simulator) call(ctx context.Context, method, path string, body any, as uuid.UUID, role string, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(as, role))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	date := time.Now().AddDate(0, 0, 1+rng.Intn(2)).Format("2006-01-02")

	start := time.Now()
	var appt api.AppointmentResponse
	status, err := s.call(ctx, http.MethodPost, "/appointments", api.BookAppointmentRequest{
		ResourceID: doctorID.String(),
		Date:       date,
		Time:       slotTimes[rng.Intn(len(slotTimes))],
		Symptoms:   gofakeit.Sentence(6),
	}, patientID, api.RolePatient, &appt)
	latency := time.Since(start)

	success := err == nil && status == http.StatusCreated
	if success {
		s.pool.AddAppointment(booked{ID: appt.ID, Owner: patientID})
	}
	s.metrics.Booking.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/cancel", nil, b.Owner, api.RolePatient, nil)
	s.metrics.Cancel.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doListMine(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, "/appointments/mine?limit=20", nil, patientID, api.RolePatient, nil)
	s.metrics.ListMine.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// doSettlement issues a receipt, then races an insurance claim and a card payment against it.
// The claim is approved after the card webhook lands; whichever settled first, the receipt
// must end up Paid.
func (s *Simulator) doSettlement(ctx context.Context, rng *rand.Rand) {
	admin := s.pool.Admin
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	start := time.Now()

	var receipt billing.Receipt
	status, err := s.call(ctx, http.MethodPost, "/receipts", api.CreateReceiptRequest{
		PatientID: patientID.String(),
		Items: []billing.LineItem{
			{ServiceName: "General Consultation", Cost: int64(50+rng.Intn(200)) * 100},
		},
	}, admin, api.RoleAdmin, &receipt)
	if err != nil || status != http.StatusCreated {
		s.metrics.Settlement.Record(time.Since(start), false, false)
		return
	}

	policy := strconv.Itoa(rng.Intn(900000) + 100000)
	var (
		wg      sync.WaitGroup
		claim   api.ClaimResponse
		payment billing.CardPayment
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = s.call(ctx, http.MethodPost, "/claims", api.SubmitClaimRequest{
			BillID:       receipt.ID.String(),
			Amount:       receipt.Total,
			Provider:     gofakeit.Company(),
			PolicyNumber: policy,
		}, patientID, api.RolePatient, &claim)
	}()
	go func() {
		defer wg.Done()
		_, _ = s.call(ctx, http.MethodPost, "/receipts/"+receipt.ID.String()+"/card-payments", nil, patientID, api.RolePatient, &payment)
	}()
	wg.Wait()

	if payment.Transaction.GatewayRef != "" {
		s.sendWebhook(ctx, "payment_intent.succeeded", payment.Transaction.GatewayRef)
	}
	if claim.Claim != nil {
		_, _ = s.call(ctx, http.MethodPost, "/claims/"+claim.Claim.ID.String()+"/resolve",
			api.ResolveRequest{Status: string(billing.RequestApproved)}, admin, api.RoleAdmin, nil)
	}

	var final billing.Ledger
	status, err = s.call(ctx, http.MethodGet, "/receipts/"+receipt.ID.String(), nil, admin, api.RoleAdmin, &final)
	paid := err == nil && status == http.StatusOK && final.Receipt.Status == billing.StatusPaid
	if !paid && (payment.Transaction.GatewayRef != "" || claim.Claim != nil) {
		s.unpaid.Add(1)
	}
	s.metrics.Settlement.Record(time.Since(start), paid, false)
}

func (s *Simulator) sendWebhook(ctx context.Context, eventType, ref string) {
	var ev api.GatewayEvent
	ev.Type = eventType
	ev.Data.Object.ID = ref
	payload, _ := json.Marshal(ev)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/webhooks/gateway", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.WebhookSecret != "" {
		req.Header.Set("Gateway-Signature", api.SignatureHeader(s.config.WebhookSecret, payload, time.Now()))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// verifySlots checks the database directly for any slot with two active appointments.
func verifySlots(ctx context.Context, pool *pgxpool.Pool) error {
	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT 1 FROM appointments
			WHERE status IN ('pending', 'confirmed')
			GROUP BY resource_id, slot_date, slot_time
			HAVING count(*) > 1
		) dup
	`).Scan(&n)
	if err != nil {
		return fmt.Errorf("query duplicate slots: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%d slots hold more than one active appointment", n)
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("List mine", &s.metrics.ListMine)
	printOperationReport("Settlement", &s.metrics.Settlement)

	if n := s.unpaid.Load(); n > 0 {
		fmt.Printf("Receipts not Paid after settlement: %d\n", n)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func min2(a, b int) int {
	if a < b {
		return a
	}
	return b
}
