package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-operations/internal/appointment"
)

// AppointmentService is the scheduling surface the handlers need.
type AppointmentService interface {
	Book(ctx context.Context, req appointment.BookRequest) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id, ownerID uuid.UUID, req appointment.RescheduleRequest) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id, ownerID uuid.UUID) (*appointment.Appointment, error)
	SetStatus(ctx context.Context, id uuid.UUID, status appointment.Status, actor appointment.Actor) (*appointment.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListForSubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]appointment.Appointment, error)
	ListForResource(ctx context.Context, resourceID uuid.UUID, date string) ([]appointment.Appointment, error)
	ListAll(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error)
}

func bookAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())

		var req BookAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		resourceID, ok := parseUUIDField(w, req.ResourceID, "resource_id")
		if !ok {
			return
		}

		appt, err := svc.Book(r.Context(), appointment.BookRequest{
			ResourceID: resourceID,
			SubjectID:  p.SubjectID,
			Date:       req.Date,
			Time:       req.Time,
			Symptoms:   req.Symptoms,
			Notes:      req.Notes,
			Mode:       appointment.Mode(req.Mode),
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req RescheduleAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, p.SubjectID, appointment.RescheduleRequest{
			Date:     req.Date,
			Time:     req.Time,
			Symptoms: req.Symptoms,
			Notes:    req.Notes,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Cancel(r.Context(), id, p.SubjectID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func setStatusHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req SetStatusRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		appt, err := svc.SetStatus(r.Context(), id, appointment.Status(req.Status), appointment.Actor{
			ID:   p.SubjectID,
			Role: appointment.Role(p.Role),
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// getAppointmentHandler hides appointments from patients who do not own them and from
// doctors they are not assigned to.
func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if (p.Role == RolePatient && appt.SubjectID != p.SubjectID) ||
			(p.Role == RoleDoctor && appt.ResourceID != p.SubjectID) {
			writeAppError(w, r, appointment.ErrAppointmentNotFound)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listMyAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())

		list, err := svc.ListForSubject(r.Context(), p.SubjectID, queryInt(r, "limit"), queryInt(r, "offset"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentList(list))
	}
}

// listScheduleHandler returns the calling doctor's own schedule.
func listScheduleHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFrom(r.Context())

		list, err := svc.ListForResource(r.Context(), p.SubjectID, r.URL.Query().Get("date"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentList(list))
	}
}

func listAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := appointment.ListFilter{
			Status: appointment.Status(q.Get("status")),
			Date:   q.Get("date"),
			Limit:  queryInt(r, "limit"),
			Offset: queryInt(r, "offset"),
		}
		if raw := q.Get("resource_id"); raw != "" {
			id, ok := parseUUIDField(w, raw, "resource_id")
			if !ok {
				return
			}
			f.ResourceID = id
		}

		list, err := svc.ListAll(r.Context(), f)
		if err != nil {
			writeAppError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentList(list))
	}
}
