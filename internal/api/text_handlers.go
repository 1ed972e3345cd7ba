package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hire-africa/docavailable-sub012/internal/session"
)

func startTextSessionHandler(svc *session.TextService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartTextSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}

		ts, err := svc.StartTextSession(r.Context(), patientID, doctorID, req.Reason)
		if err != nil {
			handleSessionError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toTextSessionResponse(ts))
	}
}

func patientMessageHandler(svc *session.TextService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		ts, err := svc.RecordPatientMessage(r.Context(), id, caller)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTextSessionResponse(ts))
	}
}

func doctorMessageHandler(svc *session.TextService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		ts, err := svc.RecordDoctorMessage(r.Context(), id, caller)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTextSessionResponse(ts))
	}
}

func textStatusHandler(svc *session.TextService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		view, err := svc.CheckStatus(r.Context(), id, caller)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, TextStatusResponse{
			Status:           string(view.Status),
			RemainingSeconds: view.RemainingSeconds,
			RemainingUnits:   view.RemainingUnits,
			ResponseDeadline: view.ResponseDeadline,
		})
	}
}

func endTextSessionHandler(svc *session.TextService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		var req ReportSecondsRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		res, err := svc.EndTextSession(r.Context(), id, caller, req.ReportedSeconds)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, EndSessionResponse{
			SessionID:    res.SessionID,
			FinalStatus:  string(res.FinalStatus),
			UnitsCharged: res.UnitsCharged,
			Shortfall:    res.Shortfall,
			AlreadyEnded: res.AlreadyEnded,
		})
	}
}

func cancelTextSessionHandler(svc *session.TextService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		ts, err := svc.CancelTextSession(r.Context(), id, caller)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toTextSessionResponse(ts))
	}
}

// sessionCall pulls the {id} route param and caller identity shared by
// every per-session endpoint, writing the error response on failure.
func sessionCall(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "id must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}
	caller, ok := callerID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_caller", "X-User-ID header must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return id, caller, true
}

func toTextSessionResponse(ts *session.TextSession) TextSessionResponse {
	return TextSessionResponse{
		ID:               ts.ID,
		Ref:              session.Ref{Kind: session.KindText, ID: ts.ID}.String(),
		PatientID:        ts.PatientID,
		DoctorID:         ts.DoctorID,
		Status:           string(ts.Status),
		StartedAt:        ts.StartedAt,
		ActivatedAt:      ts.ActivatedAt,
		ResponseDeadline: ts.DoctorResponseDeadline,
		EndedAt:          ts.EndedAt,
		SessionsUsed:     ts.SessionsUsed,
	}
}

func handleSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, session.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, session.ErrTextSessionNotFound),
		errors.Is(err, session.ErrCallSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrBalanceNotFound):
		writeError(w, http.StatusNotFound, "balance_not_found", err.Error())
	case errors.Is(err, session.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not_participant", err.Error())
	case errors.Is(err, session.ErrNoUnitsRemaining):
		writeError(w, http.StatusPaymentRequired, "no_units_remaining", err.Error())
	case errors.Is(err, session.ErrSessionAlreadyOpen):
		writeError(w, http.StatusConflict, "session_already_open", err.Error())
	case errors.Is(err, session.ErrPairBusy):
		writeError(w, http.StatusConflict, "pair_busy", "a session is currently being started for this pair, please retry shortly")
	case errors.Is(err, session.ErrResponseWindowClosed):
		writeError(w, http.StatusConflict, "response_window_closed", err.Error())
	case errors.Is(err, session.ErrSessionNotActive):
		writeError(w, http.StatusConflict, "session_not_active", err.Error())
	case errors.Is(err, session.ErrCallNotConnected):
		writeError(w, http.StatusConflict, "call_not_connected", err.Error())
	case errors.Is(err, session.ErrBadRef):
		writeError(w, http.StatusBadRequest, "invalid_session_ref", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
