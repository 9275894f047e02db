// Package protocol defines the messages exchanged between embedded contexts
// and the shell. Every message is a JSON object with a "type" discriminator;
// decoding always yields a concrete Message and never fails, so unknown or
// malformed input becomes an Ignored value instead of an error.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mfshell/shell/internal/session"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Embedded context -> shell message types.
const (
	TypeLoginSuccess = "LOGIN_SUCCESS"
	TypeLogout       = "LOGOUT"
)

// Shell -> browser context message types.
const (
	TypeNavigate = "NAVIGATE"
)

// ---------------------------------------------------------------------------
// Message variants
// ---------------------------------------------------------------------------

// Message is the closed set of protocol messages. Only the types in this
// package implement it.
type Message interface {
	// MessageType returns the wire discriminator.
	MessageType() string
	isMessage()
}

// LoginSuccess asserts a newly authenticated session.
type LoginSuccess struct {
	Token string
	User  session.User
}

// Logout asserts session termination.
type Logout struct{}

// Navigate tells a browser context which composed route to show. It is only
// ever sent by the shell.
type Navigate struct {
	Route string
}

// Ignored is what any unrecognized or malformed payload decodes to. Reason
// is for logs only.
type Ignored struct {
	Type   string
	Reason string
}

func (LoginSuccess) MessageType() string { return TypeLoginSuccess }
func (Logout) MessageType() string       { return TypeLogout }
func (Navigate) MessageType() string     { return TypeNavigate }
func (i Ignored) MessageType() string    { return i.Type }

func (LoginSuccess) isMessage() {}
func (Logout) isMessage()       {}
func (Navigate) isMessage()     {}
func (Ignored) isMessage()      {}

// Session returns the session carried by the message.
func (m LoginSuccess) Session() session.Session {
	return session.Session{Token: m.Token, User: m.User}
}

// ---------------------------------------------------------------------------
// Wire structs
// ---------------------------------------------------------------------------

type loginSuccessWire struct {
	Type  string          `json:"type"`
	Token string          `json:"token"`
	User  json.RawMessage `json:"user"`
}

type logoutWire struct {
	Type string `json:"type"`
}

type navigateWire struct {
	Type  string `json:"type"`
	Route string `json:"route"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// Decode parses raw bytes received from an embedded context. It never
// returns an error: anything that is not a well-formed LOGIN_SUCCESS or
// LOGOUT comes back as Ignored. NAVIGATE is shell-originated and is ignored
// on the inbound path.
func Decode(data []byte) Message {
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return Ignored{Reason: "invalid json"}
	}
	if partial.Type == "" {
		return Ignored{Reason: "missing type"}
	}

	switch partial.Type {
	case TypeLoginSuccess:
		var w loginSuccessWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Ignored{Type: partial.Type, Reason: "invalid payload"}
		}
		if w.Token == "" {
			return Ignored{Type: partial.Type, Reason: "missing token"}
		}
		user, ok := session.DecodeUser(w.User)
		if !ok {
			return Ignored{Type: partial.Type, Reason: "missing or invalid user"}
		}
		return LoginSuccess{Token: w.Token, User: user}
	case TypeLogout:
		return Logout{}
	default:
		return Ignored{Type: partial.Type, Reason: "unknown type"}
	}
}

// Encode serializes a message to its wire form. Ignored values cannot be
// encoded.
func Encode(msg Message) ([]byte, error) {
	var payload interface{}

	switch m := msg.(type) {
	case LoginSuccess:
		user, err := json.Marshal(m.User)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal user: %w", err)
		}
		payload = loginSuccessWire{Type: TypeLoginSuccess, Token: m.Token, User: user}
	case Logout:
		payload = logoutWire{Type: TypeLogout}
	case Navigate:
		payload = navigateWire{Type: TypeNavigate, Route: m.Route}
	default:
		return nil, fmt.Errorf("protocol: cannot encode message type %q", msg.MessageType())
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s: %w", msg.MessageType(), err)
	}
	return out, nil
}
