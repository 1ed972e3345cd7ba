package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTextSessionAccounting(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("not activated carries no billable time", func(t *testing.T) {
		ts := &TextSession{StartedAt: base, SessionsRemainingBeforeStart: 2}
		assert.Zero(t, ts.ElapsedSeconds(base.Add(time.Hour)))
		assert.Equal(t, int64(1200), ts.RemainingSeconds(base.Add(time.Hour)))
		assert.False(t, ts.OverAllotment(base.Add(time.Hour)))
	})

	t.Run("active session counts from activation", func(t *testing.T) {
		at := base.Add(time.Minute)
		ts := &TextSession{StartedAt: base, ActivatedAt: &at, SessionsRemainingBeforeStart: 2}

		now := at.Add(15 * time.Minute)
		assert.Equal(t, int64(900), ts.ElapsedSeconds(now))
		assert.Equal(t, int64(300), ts.RemainingSeconds(now))
		assert.Equal(t, 1, ts.RemainingUnits(now))
		assert.False(t, ts.OverAllotment(now))

		now = at.Add(20 * time.Minute)
		assert.True(t, ts.OverAllotment(now))
		assert.Zero(t, ts.RemainingSeconds(now))
	})

	t.Run("ended session stops the clock", func(t *testing.T) {
		at := base
		end := base.Add(5 * time.Minute)
		ts := &TextSession{ActivatedAt: &at, EndedAt: &end, SessionsRemainingBeforeStart: 2}
		assert.Equal(t, int64(300), ts.ElapsedSeconds(end.Add(time.Hour)))
	})
}

func TestCallSessionAccounting(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("not connected carries no billable time", func(t *testing.T) {
		ans := base
		cs := &CallSession{StartedAt: base, AnsweredAt: &ans, SessionsRemainingBeforeStart: 1}
		assert.Zero(t, cs.ConnectedSeconds(base.Add(time.Hour)))
		assert.False(t, cs.OverAllotment(base.Add(time.Hour)))
	})

	t.Run("connected session counts from connected_at", func(t *testing.T) {
		conn := base.Add(5 * time.Second)
		cs := &CallSession{StartedAt: base, ConnectedAt: &conn, SessionsRemainingBeforeStart: 1}

		assert.Equal(t, int64(599), cs.ConnectedSeconds(conn.Add(599*time.Second)))
		assert.False(t, cs.OverAllotment(conn.Add(599*time.Second)))
		assert.True(t, cs.OverAllotment(conn.Add(600*time.Second)))
	})
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, TextWaitingForDoctor.Terminal())
	assert.False(t, TextActive.Terminal())
	assert.True(t, TextEnded.Terminal())
	assert.True(t, TextExpired.Terminal())
	assert.True(t, TextCancelled.Terminal())

	assert.False(t, CallConnecting.Terminal())
	assert.False(t, CallAnswered.Terminal())
	assert.False(t, CallActive.Terminal())
	assert.True(t, CallEnded.Terminal())
	assert.True(t, CallDeclined.Terminal())
}
