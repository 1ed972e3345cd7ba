package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name string
		raw  string
		want Ref
	}{
		{"text prefix", "text_session_" + id.String(), Ref{Kind: KindText, ID: id}},
		{"call prefix", "call_session_" + id.String(), Ref{Kind: KindCall, ID: id}},
		{"direct prefix", "direct_session_" + id.String(), Ref{Kind: KindDirect, ID: id}},
		{"bare uuid defaults to text", id.String(), Ref{Kind: KindText, ID: id}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRefRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "text_session_", "text_session_nope", "session_123", "42"} {
		_, err := ParseRef(raw)
		assert.ErrorIs(t, err, ErrBadRef, "raw=%q", raw)
	}
}

func TestRefRoundTrip(t *testing.T) {
	ref := Ref{Kind: KindCall, ID: uuid.New()}
	parsed, err := ParseRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)
}

func TestPromoteTaskRoundTrip(t *testing.T) {
	id := uuid.New()
	got, ok := ParsePromoteTask(PromoteTask(id))
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = ParsePromoteTask("promote:not-a-uuid")
	assert.False(t, ok)
	_, ok = ParsePromoteTask(id.String())
	assert.False(t, ok)
}
