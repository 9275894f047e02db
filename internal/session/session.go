// Package session holds the authenticated identity shared by every composed
// context and the stores that persist it across reloads. A Session is either
// active (token and user both present) or anonymous (the zero value); the
// stores never expose a state with only one of the two.
package session

import (
	"bytes"
	"encoding/json"
)

// Session is the authentication state: an opaque token plus the user it
// belongs to.
type Session struct {
	Token string
	User  User
}

// Active reports whether the session carries a token. A zero Session is
// anonymous.
func (s Session) Active() bool {
	return s.Token != ""
}

// User is the profile attached to a session. Email is the only field the
// core relies on; any other fields received on the wire are kept in Extra so
// they survive a store round trip.
type User struct {
	Email string
	Extra map[string]json.RawMessage
}

// MarshalJSON writes Email and every Extra field as one flat object.
func (u User) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(u.Extra)+1)
	for k, v := range u.Extra {
		out[k] = v
	}
	email, err := json.Marshal(u.Email)
	if err != nil {
		return nil, err
	}
	out["email"] = email
	return json.Marshal(out)
}

// UnmarshalJSON reads a flat object, pulling "email" out and keeping the rest.
func (u *User) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var email string
	if raw, ok := fields["email"]; ok {
		if err := json.Unmarshal(raw, &email); err != nil {
			return err
		}
		delete(fields, "email")
	}
	u.Email = email
	u.Extra = nil
	if len(fields) > 0 {
		u.Extra = fields
	}
	return nil
}

// DecodeUser parses a serialized user record. It reports false for
// anything that is not an object with a non-empty string email.
func DecodeUser(data []byte) (User, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return User{}, false
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return User{}, false
	}
	if u.Email == "" {
		return User{}, false
	}
	return u, true
}

// decodeRecord turns the two persisted fields into a Session. Partial or
// corrupt records are anonymous.
func decodeRecord(token string, user []byte) Session {
	if token == "" {
		return Session{}
	}
	u, ok := DecodeUser(user)
	if !ok {
		return Session{}
	}
	return Session{Token: token, User: u}
}
