package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the four recognised statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Active statuses occupy their slot. Only active appointments may be modified by the patient.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Mode string

const (
	ModePhysical Mode = "physical"
	ModeOnline   Mode = "online"
)

func (m Mode) Valid() bool {
	return m == ModePhysical || m == ModeOnline
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type Appointment struct {
	ID             uuid.UUID
	Number         string
	ResourceID     uuid.UUID // doctor
	SubjectID      uuid.UUID // patient
	Date           string
	Time           string
	Symptoms       string
	Notes          string
	PatientName    string
	PatientContact string
	Status         Status
	Mode           Mode
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CancelledAt    *time.Time
}

// Slot is the (resource, date, time) triple at most one active appointment may hold.
type Slot struct {
	ResourceID uuid.UUID
	Date       string
	Time       string
}

func (a *Appointment) Slot() Slot {
	return Slot{ResourceID: a.ResourceID, Date: a.Date, Time: a.Time}
}

func (s Slot) lockKey() string {
	return "slot:" + s.ResourceID.String() + ":" + s.Date + ":" + s.Time
}

type BookRequest struct {
	ResourceID uuid.UUID
	SubjectID  uuid.UUID
	Date       string
	Time       string
	Symptoms   string
	Notes      string
	Mode       Mode
}

// RescheduleRequest carries only the fields the patient wants changed.
type RescheduleRequest struct {
	Date     *string
	Time     *string
	Symptoms *string
	Notes    *string
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDoctor Role = "doctor"
)

// Actor is the caller of an administrative status change.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type ListFilter struct {
	Status     Status
	Date       string
	ResourceID uuid.UUID
	Limit      int
	Offset     int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
