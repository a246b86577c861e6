package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSignalingTimeout = errors.New("signaling channel never became subscribed")
	ErrChannelClosed    = errors.New("signaling channel closed")
	ErrAlreadyOpen      = errors.New("session already open")
	ErrNotOpen          = errors.New("session not open")
	ErrNoLocalMedia     = errors.New("local media not acquired")
)

// MediaAccessError means camera or microphone are denied or missing.
// It is terminal for the local join.
type MediaAccessError struct {
	Device string
	Err    error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access (%s): %v", e.Device, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// ScreenShareError means display capture was denied or cancelled. The call goes on.
type ScreenShareError struct {
	Err error
}

func (e *ScreenShareError) Error() string {
	return fmt.Sprintf("screen share: %v", e.Err)
}

func (e *ScreenShareError) Unwrap() error { return e.Err }

// NegotiationError closes the one peer session it happened on.
type NegotiationError struct {
	Peer UserID
	Op   string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed at %s: %v", e.Peer, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// StoreConflictError is returned when an open meeting record could neither be
// created nor found after one retry.
type StoreConflictError struct {
	Room RoomID
	Err  error
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("meeting record conflict for room %s: %v", e.Room, e.Err)
}

func (e *StoreConflictError) Unwrap() error { return e.Err }
