package api

import (
	"time"

	"github.com/google/uuid"
)

type StartTextSessionRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	Reason    string `json:"reason,omitempty"`
}

type StartCallSessionRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	CallType  string `json:"call_type"`
}

type ReportSecondsRequest struct {
	ReportedSeconds int64 `json:"reported_seconds"`
}

type EndCallRequest struct {
	ReportedSeconds int64 `json:"reported_seconds"`
	WasConnected    bool  `json:"was_connected"`
}

type InitiatePaymentRequest struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
}

type WebhookRequest struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	UserID    string `json:"user_id,omitempty"`
	PlanID    string `json:"plan_id,omitempty"`
}

type TextSessionResponse struct {
	ID               uuid.UUID  `json:"id"`
	Ref              string     `json:"ref"`
	PatientID        uuid.UUID  `json:"patient_id"`
	DoctorID         uuid.UUID  `json:"doctor_id"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	ResponseDeadline *time.Time `json:"response_deadline,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	SessionsUsed     int        `json:"sessions_used"`
}

type TextStatusResponse struct {
	Status           string     `json:"status"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	RemainingUnits   int        `json:"remaining_units"`
	ResponseDeadline *time.Time `json:"response_deadline,omitempty"`
}

type CallSessionResponse struct {
	ID           uuid.UUID  `json:"id"`
	Ref          string     `json:"ref"`
	PatientID    uuid.UUID  `json:"patient_id"`
	DoctorID     uuid.UUID  `json:"doctor_id"`
	CallType     string     `json:"call_type"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	AnsweredAt   *time.Time `json:"answered_at,omitempty"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	SessionsUsed int        `json:"sessions_used"`
}

type EndSessionResponse struct {
	SessionID    uuid.UUID `json:"session_id"`
	FinalStatus  string    `json:"final_status"`
	UnitsCharged int       `json:"units_charged"`
	Shortfall    int       `json:"shortfall,omitempty"`
	AlreadyEnded bool      `json:"already_ended"`
}

type DeductionResponse struct {
	SessionID    uuid.UUID `json:"session_id"`
	AutoTicks    int       `json:"auto_ticks"`
	UnitsCharged int       `json:"units_charged"`
	Shortfall    int       `json:"shortfall,omitempty"`
}

type PaymentEventResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Applied   bool   `json:"applied"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
