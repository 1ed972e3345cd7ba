package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind discriminates the session tables a mixed identifier can point at.
type Kind string

const (
	KindText   Kind = "text"
	KindCall   Kind = "call"
	KindDirect Kind = "direct"
)

// Ref is a tagged session identifier, resolved once at the API boundary
// instead of string-prefix checks scattered through the code.
type Ref struct {
	Kind Kind
	ID   uuid.UUID
}

var ErrBadRef = errors.New("malformed session reference")

// ParseRef accepts "text_session_<uuid>", "call_session_<uuid>" and
// "direct_session_<uuid>", plus a bare UUID which defaults to text.
func ParseRef(raw string) (Ref, error) {
	kind := KindText
	id := raw

	switch {
	case strings.HasPrefix(raw, "text_session_"):
		id = strings.TrimPrefix(raw, "text_session_")
	case strings.HasPrefix(raw, "call_session_"):
		kind = KindCall
		id = strings.TrimPrefix(raw, "call_session_")
	case strings.HasPrefix(raw, "direct_session_"):
		kind = KindDirect
		id = strings.TrimPrefix(raw, "direct_session_")
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %q", ErrBadRef, raw)
	}

	return Ref{Kind: kind, ID: parsed}, nil
}

func (r Ref) String() string {
	return fmt.Sprintf("%s_session_%s", r.Kind, r.ID)
}
