package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-operations/internal/api"
	"github.com/hackgods/clinic-operations/internal/billing"
	"github.com/hackgods/clinic-operations/internal/config"
	"github.com/hackgods/clinic-operations/internal/db"
	"github.com/hackgods/clinic-operations/internal/directory"
	"github.com/hackgods/clinic-operations/internal/logging"
)

var services = []string{
	"General Consultation",
	"Blood Panel",
	"X-Ray",
	"ECG",
	"Vaccination",
	"Physiotherapy Session",
	"Dermatology Review",
	"Ultrasound",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("dev", "info")
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("component", "seed").Logger()

	doctors := getInt("SEED_DOCTORS", 20)
	patients := getInt("SEED_PATIENTS", 500)
	receipts := getInt("SEED_RECEIPTS", 200)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	dir := directory.NewPgDirectory(pool)
	created, err := dir.EnsureAdmins(ctx, cfg.AdminEmails)
	if err != nil {
		logger.Fatal().Err(err).Msg("provision admins")
	}
	logger.Info().Int("created", created).Msg("admins provisioned")

	doctorIDs, err := seedDoctors(ctx, pool, doctors, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	patientIDs, err := seedPatients(ctx, pool, patients, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	bills := billing.NewService(billing.NewPgStore(pool), billing.NewFakeGateway(), dir,
		billing.WithLogger(logger), billing.WithDueAfter(cfg.ReceiptDueAfter))
	if err := seedReceipts(ctx, bills, patientIDs, receipts, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed receipts")
	}

	if cfg.JWTSigningKey != "" && len(doctorIDs) > 0 && len(patientIDs) > 0 {
		printTokens(ctx, pool, api.NewAuthenticator(cfg.JWTSigningKey), doctorIDs[0], patientIDs[0], logger)
	}

	logger.Info().Msg("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int, logger zerolog.Logger) ([]uuid.UUID, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, email, role, created_at)
			VALUES ($1, $2, $3, $4, now())
		`, id, "Dr. "+gofakeit.Name(), gofakeit.Username()+"."+id.String()[:8]+"@clinic.local", directory.RoleDoctor)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	logger.Info().Int("count", count).Msg("doctors seeded")
	return ids, nil
}

// seedPatients leaves roughly one in ten patients without a contact so booking
// validation has something to reject.
func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, logger zerolog.Logger) ([]uuid.UUID, error) {
	const batchSize = 500

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			var contact *string
			if gofakeit.Number(1, 10) > 1 {
				c := gofakeit.Email()
				contact = &c
			}

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, contact, created_at)
				VALUES ($1, $2, $3, now())
			`, id, gofakeit.Name(), contact)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		logger.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}

	return ids, nil
}

func seedReceipts(ctx context.Context, bills *billing.Service, patients []uuid.UUID, count int, logger zerolog.Logger) error {
	if len(patients) == 0 {
		return nil
	}

	for i := 0; i < count; i++ {
		items := make([]billing.LineItem, gofakeit.Number(1, 4))
		for j := range items {
			items[j] = billing.LineItem{
				ServiceName: services[gofakeit.Number(0, len(services)-1)],
				Cost:        int64(gofakeit.Number(20, 400)) * 100,
			}
		}

		r, err := bills.CreateReceipt(ctx, billing.NewReceipt{
			PatientID: patients[gofakeit.Number(0, len(patients)-1)],
			Items:     items,
		})
		if err != nil {
			return fmt.Errorf("receipt %d: %w", i, err)
		}

		// leave a share of receipts with an open insurance claim
		if gofakeit.Bool() {
			_, _, err := bills.SubmitClaim(ctx, billing.ClaimRequest{
				BillID:       r.ID,
				Amount:       r.Total,
				Provider:     gofakeit.Company(),
				PolicyNumber: strconv.Itoa(gofakeit.Number(100000, 999999)),
			})
			if err != nil {
				return fmt.Errorf("claim for %s: %w", r.ReceiptNo, err)
			}
		}
	}

	logger.Info().Int("count", count).Msg("receipts seeded")
	return nil
}

func printTokens(ctx context.Context, pool *pgxpool.Pool, auth *api.Authenticator, doctor, patient uuid.UUID, logger zerolog.Logger) {
	var admin uuid.UUID
	err := pool.QueryRow(ctx, `SELECT id FROM providers WHERE role = $1 ORDER BY created_at LIMIT 1`, directory.RoleAdmin).Scan(&admin)
	if err != nil {
		logger.Warn().Err(err).Msg("no admin found, skipping admin token")
	}

	for _, p := range []struct {
		role string
		id   uuid.UUID
	}{
		{api.RoleAdmin, admin},
		{api.RoleDoctor, doctor},
		{api.RolePatient, patient},
	} {
		if p.id == uuid.Nil {
			continue
		}
		token, err := auth.Issue(p.id, p.role, 24*time.Hour)
		if err != nil {
			logger.Warn().Err(err).Str("role", p.role).Msg("issue token")
			continue
		}
		fmt.Fprintf(os.Stdout, "%s %s\n  %s\n", p.role, p.id, token)
	}
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
