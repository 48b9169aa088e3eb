package session

import (
	"fmt"
	"time"
)

// Role identifies what kind of peer holds a session.
type Role string

// Session roles.
const (
	RoleUnknown Role = "unknown"
	RoleClient  Role = "client"
	RoleDevice  Role = "device"
)

// ParseRole converts a stored role string into a Role.
// The empty string is treated as RoleUnknown.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RoleUnknown:
		return RoleUnknown, nil
	case RoleClient:
		return RoleClient, nil
	case RoleDevice:
		return RoleDevice, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Known reports whether the role has been promoted past unknown.
func (r Role) Known() bool {
	return r == RoleClient || r == RoleDevice
}

// CanBecome reports whether a session holding r may take role next.
// Unknown may become anything; a known role may only be reasserted.
func (r Role) CanBecome(next Role) bool {
	return r == RoleUnknown || r == next || next == RoleUnknown
}

// Session is the durable record of one open connection.
type Session struct {
	ID        string    `json:"sessionId"`
	Role      Role      `json:"role"`
	DeviceID  string    `json:"deviceId,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// New returns an unknown-role session opened at now.
func New(id string, now time.Time) Session {
	return Session{ID: id, Role: RoleUnknown, LastSeen: now}
}

// Validate checks the record is storable.
func (s Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidSession)
	}
	if _, err := ParseRole(string(s.Role)); err != nil {
		return err
	}
	if s.Role == RoleDevice && s.DeviceID == "" {
		return fmt.Errorf("%w: device session %s has no device id", ErrInvalidSession, s.ID)
	}
	return nil
}

// Touch advances LastSeen to t. Earlier times are ignored.
func (s *Session) Touch(t time.Time) {
	if t.After(s.LastSeen) {
		s.LastSeen = t
	}
}

// Merge folds an incoming write into the existing record s.
//
// The result keeps the later LastSeen and ExpiresAt, promotes an unknown role
// to the incoming one and never demotes a known role. When both roles are
// known and differ, the existing identity wins.
func (s Session) Merge(in Session) Session {
	out := s
	if s.Role == RoleUnknown || s.Role == "" {
		out.Role = in.Role
	}
	if in.DeviceID != "" && (s.Role == RoleUnknown || s.Role == "" || s.Role == in.Role) {
		out.DeviceID = in.DeviceID
	}
	if in.LastSeen.After(out.LastSeen) {
		out.LastSeen = in.LastSeen
	}
	if in.ExpiresAt.After(out.ExpiresAt) {
		out.ExpiresAt = in.ExpiresAt
	}
	if out.Role == "" {
		out.Role = RoleUnknown
	}
	return out
}

// Expired reports whether the advisory expiry has passed at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
