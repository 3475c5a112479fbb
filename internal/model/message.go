package model

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	Pending   Status = "pending"
	Paused    Status = "paused"
	Sending   Status = "sending"
	Sent      Status = "sent"
	Cancelled Status = "cancelled"
	Error     Status = "error"
)

// StagedMessage is an outbound patient message held for a countdown before
// it is delivered automatically.
type StagedMessage struct {
	ID              string    `json:"id" yaml:"id"`
	Content         string    `json:"content" yaml:"content"`
	PatientID       string    `json:"patientId" yaml:"patientId"`
	PatientName     string    `json:"patientName" yaml:"patientName"`
	ConversationID  string    `json:"conversationId" yaml:"conversationId"`
	CreatedAt       time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt" yaml:"updatedAt"`
	Countdown       int       `json:"countdown" yaml:"countdown"`
	Status          Status    `json:"status" yaml:"status"`
	AIGenerated     bool      `json:"aiGenerated" yaml:"aiGenerated"`
	Error           string    `json:"error,omitempty" yaml:"error,omitempty"`
	RemoteMessageID string    `json:"remoteMessageId,omitempty" yaml:"remoteMessageId,omitempty"`
}

var knownStatuses = map[Status]bool{
	Pending:   true,
	Paused:    true,
	Sending:   true,
	Sent:      true,
	Cancelled: true,
	Error:     true,
}

var terminalStatuses = map[Status]bool{
	Sent:      true,
	Cancelled: true,
}

// error → sending is the manual retry path; nothing ever leaves sent/cancelled.
var validTransitions = map[Status]map[Status]bool{
	Pending: {
		Paused:    true,
		Sending:   true,
		Cancelled: true,
	},
	Paused: {
		Pending:   true,
		Sending:   true,
		Cancelled: true,
	},
	Sending: {
		Sent:  true,
		Error: true,
	},
	Error: {
		Sending:   true,
		Cancelled: true,
	},
}

var ErrInvalidTransition = errors.New("invalid status transition")

func (s Status) Valid() bool {
	return knownStatuses[s]
}

func (s Status) Terminal() bool {
	return terminalStatuses[s]
}

// Editable reports whether the content of a message in this status may change.
func (s Status) Editable() bool {
	return s == Pending || s == Paused || s == Error
}

func ValidateTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %q is terminal", ErrInvalidTransition, from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// Validate checks the fields every persisted entry must carry.
func (m StagedMessage) Validate() error {
	if m.ID == "" {
		return errors.New("missing id")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("message %s: unknown status %q", m.ID, m.Status)
	}
	if m.Countdown < 0 {
		return fmt.Errorf("message %s: negative countdown %d", m.ID, m.Countdown)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("message %s: missing createdAt", m.ID)
	}
	return nil
}
