// Package session models the signed-in identity consumed by the sync core.
//
// Session issuance lives with an external collaborator; this package only
// describes the capability (user id + role) and validates it.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	v1 "convsync/shared/contracts/realtime/v1"
)

// Role is the caller's role in a conversation.
type Role string

const (
	RoleAdmin       Role = v1.RoleAdmin
	RoleParticipant Role = v1.RoleParticipant
)

var (
	// ErrInvalidSession is returned when a session fails validation.
	ErrInvalidSession = errors.New("invalid session")
)

// Session is the signed-in identity.
type Session struct {
	ID   int64 `json:"id" validate:"gt=0"`
	Role Role  `json:"role" validate:"oneof=ADMIN PARTICIPANT"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the id is positive and the role is known.
func (s Session) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidSession, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return nil
}

// IsAdmin reports whether the session belongs to an administrator.
func (s Session) IsAdmin() bool { return s.Role == RoleAdmin }

// Parse builds a Session from the string forms handed out by the auth layer.
// The role is case-insensitive.
func Parse(id, role string) (Session, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("%w: id %q is not an integer", ErrInvalidSession, id)
	}
	s := Session{ID: n, Role: Role(strings.ToUpper(strings.TrimSpace(role)))}
	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	return s, nil
}
