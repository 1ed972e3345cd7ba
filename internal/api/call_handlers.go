package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hire-africa/docavailable-sub012/internal/session"
)

func startCallSessionHandler(svc *session.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartCallSessionRequest
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

		callType := session.CallType(req.CallType)
		if callType != session.CallVoice && callType != session.CallVideo {
			writeError(w, http.StatusBadRequest, "invalid_call_type", "call_type must be voice or video")
			return
		}

		cs, err := svc.StartCallSession(r.Context(), patientID, doctorID, callType)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toCallSessionResponse(cs))
	}
}

func answerCallHandler(svc *session.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		cs, err := svc.AnswerCall(r.Context(), id, caller)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toCallSessionResponse(cs))
	}
}

func declineCallHandler(svc *session.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		cs, err := svc.DeclineCall(r.Context(), id, caller)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toCallSessionResponse(cs))
	}
}

func callConnectedHandler(svc *session.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		cs, err := svc.MarkCallConnected(r.Context(), id, caller)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toCallSessionResponse(cs))
	}
}

func callDeductionHandler(svc *session.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		var req ReportSecondsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		res, err := svc.RecordCallDeduction(r.Context(), id, caller, req.ReportedSeconds)
		if err != nil {
			handleSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, DeductionResponse{
			SessionID:    res.SessionID,
			AutoTicks:    res.AutoTicks,
			UnitsCharged: res.UnitsCharged,
			Shortfall:    res.Shortfall,
		})
	}
}

func endCallSessionHandler(svc *session.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, caller, ok := sessionCall(w, r)
		if !ok {
			return
		}

		var req EndCallRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		res, err := svc.EndCallSession(r.Context(), id, caller, req.ReportedSeconds, req.WasConnected)
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

// sessionByRefHandler resolves a mixed "text_session_<uuid>" or
// "call_session_<uuid>" identifier and returns the matching session.
func sessionByRefHandler(text *session.TextService, call *session.CallService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := session.ParseRef(chi.URLParam(r, "ref"))
		if err != nil {
			handleSessionError(w, err)
			return
		}
		caller, ok := callerID(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "X-User-ID header must be a valid UUID")
			return
		}

		switch ref.Kind {
		case session.KindCall:
			cs, err := call.GetCall(r.Context(), ref.ID, caller)
			if err != nil {
				handleSessionError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, toCallSessionResponse(cs))
		default:
			view, err := text.CheckStatus(r.Context(), ref.ID, caller)
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
}

func toCallSessionResponse(cs *session.CallSession) CallSessionResponse {
	return CallSessionResponse{
		ID:           cs.ID,
		Ref:          session.Ref{Kind: session.KindCall, ID: cs.ID}.String(),
		PatientID:    cs.PatientID,
		DoctorID:     cs.DoctorID,
		CallType:     string(cs.CallType),
		Status:       string(cs.Status),
		StartedAt:    cs.StartedAt,
		AnsweredAt:   cs.AnsweredAt,
		ConnectedAt:  cs.ConnectedAt,
		EndedAt:      cs.EndedAt,
		SessionsUsed: cs.SessionsUsed,
	}
}
