package database

import (
	"time"
)

// Status is the status of the call.
const (
	Initiated = iota
	Answered
	Ended
)

// CallInfo is a struct for call log information. ID is the correlation ID
// of the call attempt.
type CallInfo struct {
	ID         string
	Caller     string
	Callee     string
	Media      string
	Status     int
	Outcome    string
	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
}

// Involves checks if the given user ID is a party of the call.
func (c *CallInfo) Involves(userID string) bool {
	return c.Caller == userID || c.Callee == userID
}

// GetCounterpart returns the counterpart of the given user ID.
func (c *CallInfo) GetCounterpart(userID string) string {
	if c.Caller == userID {
		return c.Callee
	}
	return c.Caller
}

// IsOpen checks if the call has not ended yet.
func (c *CallInfo) IsOpen() bool {
	return c.Status != Ended
}

// DeepCopy creates a deep copy of the given CallInfo.
func (c *CallInfo) DeepCopy() *CallInfo {
	return &CallInfo{
		ID:         c.ID,
		Caller:     c.Caller,
		Callee:     c.Callee,
		Media:      c.Media,
		Status:     c.Status,
		Outcome:    c.Outcome,
		CreatedAt:  c.CreatedAt,
		AnsweredAt: c.AnsweredAt,
		EndedAt:    c.EndedAt,
	}
}
