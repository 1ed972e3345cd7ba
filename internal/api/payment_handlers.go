package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/hire-africa/docavailable-sub012/internal/payments"
)

func initiatePaymentHandler(svc *payments.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InitiatePaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a valid UUID")
			return
		}
		if req.PlanID == "" {
			writeError(w, http.StatusBadRequest, "invalid_plan_id", "plan_id is required")
			return
		}

		ev, err := svc.Initiate(r.Context(), userID, req.PlanID)
		if err != nil {
			handlePaymentError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, PaymentEventResponse{
			Reference: ev.Reference,
			Status:    string(ev.Status),
		})
	}
}

// webhookHandler ingests gateway callbacks. The raw body is kept for
// the payment event audit trail before it is decoded.
func webhookHandler(svc *payments.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}

		var req WebhookRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		ext := payments.ExternalEvent{
			Reference:   req.Reference,
			Status:      payments.EventStatus(req.Status),
			AmountMinor: req.Amount,
			Currency:    req.Currency,
			PlanID:      req.PlanID,
			RawPayload:  raw,
		}
		if req.UserID != "" {
			userID, err := uuid.Parse(req.UserID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_user_id", "user_id must be a valid UUID")
				return
			}
			ext.UserID = userID
		}

		res, err := svc.Reconcile(r.Context(), ext)
		if err != nil {
			handlePaymentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, PaymentEventResponse{
			Reference: res.Reference,
			Status:    string(res.Status),
			Applied:   res.Applied,
		})
	}
}

func handlePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, "malformed_event", err.Error())
	case errors.Is(err, payments.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "payment_event_not_found", err.Error())
	case errors.Is(err, payments.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, "plan_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
