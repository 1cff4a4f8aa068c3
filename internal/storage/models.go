package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist for the
// calling owner. Records owned by someone else are reported the same way.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write is rejected because of the record's
// current state.
var ErrConflict = errors.New("conflict")

// SourceType tags the originating system of a context.
type SourceType string

const (
	SourceEmail             SourceType = "email"
	SourceSlack             SourceType = "slack"
	SourceMeetingTranscript SourceType = "meeting_transcript"
	SourceCalendarEvent     SourceType = "calendar_event"
)

// KnownSourceTypes lists the source types accepted at ingestion.
var KnownSourceTypes = []SourceType{SourceEmail, SourceSlack, SourceMeetingTranscript, SourceCalendarEvent}

// Valid reports whether st is one of KnownSourceTypes.
func (st SourceType) Valid() bool {
	for _, k := range KnownSourceTypes {
		if st == k {
			return true
		}
	}
	return false
}

// ContextItem is the normalized form of one inbound event.
type ContextItem struct {
	ID          string         `json:"id"`
	Owner       string         `json:"owner"`
	SourceType  SourceType     `json:"source_type"`
	SourceID    string         `json:"source_id"`
	Timestamp   time.Time      `json:"timestamp"`
	CreatedAt   time.Time      `json:"created_at"`
	Content     map[string]any `json:"content"`
	ContextText string         `json:"context_text"`
	Sender      string         `json:"sender,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Processed   bool           `json:"processed"`
}

// ActionType is the tag of a proposed action. The set of valid values is
// owned by the actions registry.
type ActionType string

// ActionStatus is the lifecycle state of a ProposedAction.
type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusExecuted ActionStatus = "executed"
	StatusSkipped  ActionStatus = "skipped"
	StatusError    ActionStatus = "error"
)

// Valid reports whether s is one of the four lifecycle states.
func (s ActionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusExecuted, StatusSkipped, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s ActionStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusSkipped
}

// ProposedAction is a unit of work recommended for one context.
type ProposedAction struct {
	ID         int64          `json:"id"`
	ContextID  string         `json:"context_id"`
	Owner      string         `json:"owner"`
	Type       ActionType     `json:"type"`
	Payload    map[string]any `json:"payload"`
	Confidence float64        `json:"confidence"`
	Status     ActionStatus   `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	SourceType SourceType     `json:"source_type"`
	Sender     string         `json:"sender,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	// Executing is set while an approval holds the action.
	Executing bool `json:"executing,omitempty"`
}

// NewAction is one decided action before it is persisted.
type NewAction struct {
	Type       ActionType
	Payload    map[string]any
	Confidence float64
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	Status ActionStatus // empty means any
	Limit  int
	Offset int
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

type Todo struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	DueDate   string    `json:"due_date,omitempty"`
	ActionID  int64     `json:"action_id,omitempty"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}
