// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID string

// Participant is a remote (or local) member of a live meeting, as seen through presence.
// It is never persisted.
type Participant struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"display_name"`
}

// NewParticipant validates an identity handed over by the upstream auth layer.
// An empty display name falls back to the id.
func NewParticipant(id UserID, displayName string) (Participant, error) {
	if len(id) == 0 {
		return Participant{}, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return Participant{}, ErrUserIDTooLong
	}
	p := Participant{ID: id}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = string(id)
	}
	if err := p.SetDisplayName(name); err != nil {
		return Participant{}, err
	}
	return p, nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	p.DisplayName = name
	return nil
}

// Initiates reports whether a, facing b, is the side that creates the offer.
// Both ends evaluate the same byte-wise comparison, so exactly one of them offers.
func Initiates(a, b UserID) bool {
	return a < b
}
