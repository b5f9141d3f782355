package entity

import (
	"net/http"
	"refsync/lib/validate"
	"strings"
)

// MemberRequest is the body of API calls that act on one member.
type MemberRequest struct {
	MemberID string `json:"member_id" validate:"required,max=64"`
}

func (m *MemberRequest) Bind(_ *http.Request) error {
	m.MemberID = strings.TrimSpace(m.MemberID)
	return validate.Struct(m)
}

// ActionResult reports whether an API call changed state.
type ActionResult struct {
	MemberID string `json:"member_id"`
	Changed  bool   `json:"changed"`
}
