package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/hire-africa/docavailable-sub012/internal/billing"
)

type TextStatus string

const (
	TextWaitingForDoctor TextStatus = "waiting_for_doctor"
	TextActive           TextStatus = "active"
	TextEnded            TextStatus = "ended"
	TextExpired          TextStatus = "expired"
	TextCancelled        TextStatus = "cancelled"
)

func (s TextStatus) Terminal() bool {
	switch s {
	case TextEnded, TextExpired, TextCancelled:
		return true
	}
	return false
}

type CallStatus string

const (
	CallConnecting CallStatus = "connecting"
	CallAnswered   CallStatus = "answered"
	CallActive     CallStatus = "active"
	CallEnded      CallStatus = "ended"
	CallDeclined   CallStatus = "declined"
)

func (s CallStatus) Terminal() bool {
	switch s {
	case CallEnded, CallDeclined:
		return true
	}
	return false
}

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// UnitKind maps a call type onto the balance counter it consumes.
func (t CallType) UnitKind() billing.UnitKind {
	if t == CallVideo {
		return billing.UnitVideo
	}
	return billing.UnitVoice
}

// Patient and Doctor are the slices of the user record this engine needs.
// Account management lives elsewhere.

type Patient struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Country   string
	CreatedAt time.Time
}

// TextSession is a metered text consultation.
//
// doctor_response_deadline is set at most once, only by the patient's
// first message, only while waiting_for_doctor. Terminal states never
// revert.
type TextSession struct {
	ID                           uuid.UUID
	PatientID                    uuid.UUID
	DoctorID                     uuid.UUID
	Status                       TextStatus
	Reason                       string
	StartedAt                    time.Time
	ActivatedAt                  *time.Time
	DoctorResponseDeadline       *time.Time
	LastActivityAt               time.Time
	EndedAt                      *time.Time
	SessionsUsed                 int
	SessionsRemainingBeforeStart int
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

// ElapsedSeconds is connected time counted from activation. A session
// that never activated carries no billable time.
func (ts *TextSession) ElapsedSeconds(now time.Time) int64 {
	if ts.ActivatedAt == nil {
		return 0
	}
	end := now
	if ts.EndedAt != nil {
		end = *ts.EndedAt
	}
	d := end.Sub(*ts.ActivatedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// AllowedSeconds is the total connected time the unit snapshot at start
// can pay for. The snapshot keeps the allotment stable even if the
// subscription changes mid-session.
func (ts *TextSession) AllowedSeconds() int64 {
	return int64(ts.SessionsRemainingBeforeStart) * billing.UnitSeconds
}

// RemainingSeconds until the allotment runs out, zero when not active.
func (ts *TextSession) RemainingSeconds(now time.Time) int64 {
	if ts.ActivatedAt == nil {
		return ts.AllowedSeconds()
	}
	r := ts.AllowedSeconds() - ts.ElapsedSeconds(now)
	if r < 0 {
		return 0
	}
	return r
}

// RemainingUnits left on the snapshot after elapsed connected time.
func (ts *TextSession) RemainingUnits(now time.Time) int {
	used := int(ts.ElapsedSeconds(now) / billing.UnitSeconds)
	r := ts.SessionsRemainingBeforeStart - used
	if r < 0 {
		return 0
	}
	return r
}

// OverAllotment reports whether the session exhausted its snapshot.
func (ts *TextSession) OverAllotment(now time.Time) bool {
	return ts.ActivatedAt != nil && ts.ElapsedSeconds(now) >= ts.AllowedSeconds()
}

func (ts *TextSession) IsParticipant(userID uuid.UUID) bool {
	return userID == ts.PatientID || userID == ts.DoctorID
}

// CallSession is a metered voice or video consultation.
//
// connected_at, once set, is immutable and is the sole source of truth
// for billable duration.
type CallSession struct {
	ID                           uuid.UUID
	PatientID                    uuid.UUID
	DoctorID                     uuid.UUID
	CallType                     CallType
	Status                       CallStatus
	StartedAt                    time.Time
	AnsweredAt                   *time.Time
	ConnectedAt                  *time.Time
	EndedAt                      *time.Time
	IsConnected                  bool
	CallDurationSeconds          int64
	SessionsUsed                 int
	AutoDeductionsProcessed      int
	SessionsRemainingBeforeStart int
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

// ConnectedSeconds counted from connected_at to ended_at or now.
func (cs *CallSession) ConnectedSeconds(now time.Time) int64 {
	if cs.ConnectedAt == nil {
		return 0
	}
	end := now
	if cs.EndedAt != nil {
		end = *cs.EndedAt
	}
	d := end.Sub(*cs.ConnectedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

func (cs *CallSession) AllowedSeconds() int64 {
	return int64(cs.SessionsRemainingBeforeStart) * billing.UnitSeconds
}

func (cs *CallSession) OverAllotment(now time.Time) bool {
	return cs.ConnectedAt != nil && cs.ConnectedSeconds(now) >= cs.AllowedSeconds()
}

func (cs *CallSession) IsParticipant(userID uuid.UUID) bool {
	return userID == cs.PatientID || userID == cs.DoctorID
}
