// Package directory resolves providers and patients owned by the surrounding CRUD system,
// and provisions the fixed admin accounts at start-up.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-operations/internal/apperr"
	"github.com/hackgods/clinic-operations/internal/db"
)

const (
	RoleDoctor = "doctor"
	RoleAdmin  = "admin"
)

var (
	ErrProviderNotFound = apperr.New(apperr.NotFound, "provider not found")
	ErrPatientNotFound  = apperr.New(apperr.NotFound, "patient not found")
)

type Provider struct {
	ID        uuid.UUID
	Name      string
	Email     string
	Role      string
	CreatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Contact   string
	CreatedAt time.Time
}

type PgDirectory struct {
	pool db.DBTX
}

func NewPgDirectory(pool db.DBTX) *PgDirectory {
	return &PgDirectory{pool: pool}
}

// Provider returns the provider with the given id, restricted to doctors.
func (d *PgDirectory) Provider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := d.pool.QueryRow(ctx, `
		SELECT id, name, email, role, created_at
		FROM providers
		WHERE id = $1 AND role = $2
	`, id, RoleDoctor).Scan(&p.ID, &p.Name, &p.Email, &p.Role, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, apperr.Wrap(apperr.Infrastructure, "load provider", err)
	}
	return &p, nil
}

func (d *PgDirectory) Patient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	var contact *string
	err := d.pool.QueryRow(ctx, `
		SELECT id, name, contact, created_at
		FROM patients
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &contact, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, apperr.Wrap(apperr.Infrastructure, "load patient", err)
	}
	if contact != nil {
		p.Contact = *contact
	}
	return &p, nil
}

// EnsureAdmins creates an admin provider row for every email that has none yet.
// Safe to run on every start-up.
func (d *PgDirectory) EnsureAdmins(ctx context.Context, emails []string) (int, error) {
	created := 0
	for _, email := range emails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		name, _, _ := strings.Cut(email, "@")
		tag, err := d.pool.Exec(ctx, `
			INSERT INTO providers (id, name, email, role, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (email) DO NOTHING
		`, uuid.New(), name, email, RoleAdmin)
		if err != nil {
			return created, fmt.Errorf("provision admin %s: %w", email, err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}
