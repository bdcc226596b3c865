// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrNoIdentity      = errors.New("participant without userId or username")
)

type (
	UserID string
	PeerID string
)

// User is the local identity used when joining a room.
type User struct {
	ID       UserID `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty id gets a generated one.
func NewUser(id, username, avatar string) (*User, error) {
	if len(username) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	if id == "" {
		id = uuid.NewString()
	}
	return &User{ID: UserID(id), Username: username, Avatar: avatar}, nil
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}

// Participant is a roster entry pushed by the server.
type Participant struct {
	UserID    UserID `json:"userId,omitempty"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar,omitempty"`
	ChannelID RoomID `json:"channelId"`
}

// Key is the roster identity. Servers that omit userId are keyed by username.
func (p Participant) Key() string {
	id := string(p.UserID)
	if id == "" {
		id = "name:" + p.Username
	}
	return string(p.ChannelID) + "/" + id
}

func (p Participant) Validate() error {
	if p.UserID == "" && p.Username == "" {
		return ErrNoIdentity
	}
	return nil
}
