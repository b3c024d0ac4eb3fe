package models

import "time"

// SessionStatus represents the current state of a leased browser session
type SessionStatus string

const (
	StatusActive   SessionStatus = "ACTIVE"
	StatusReleased SessionStatus = "RELEASED"
	StatusFailed   SessionStatus = "FAILED"
	StatusExpired  SessionStatus = "EXPIRED"
)

// Session is the wire view of one lease of a pooled browser. Every lease
// gets its own ID; UseCount reports how many times the browser behind it
// has been lent out, so clients can tell a fresh browser from a recycled
// one.
type Session struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"projectId"`
	Status     SessionStatus `json:"status"`
	Region     string        `json:"region"`
	StartedAt  time.Time     `json:"startedAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	Timeout    int           `json:"timeout"`
	ConnectURL string        `json:"connectUrl"`
	ContextID  string        `json:"contextId,omitempty"`
	UseCount   int64         `json:"useCount"`
}

// CreateSessionRequest is the payload for leasing a session
type CreateSessionRequest struct {
	ProjectID string `json:"projectId"`
	Region    string `json:"region,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
}

// ProvisionedSession is the subset of the upstream create-session response
// the pool needs to adopt a browser.
type ProvisionedSession struct {
	ID         string `json:"id"`
	Status     string `json:"status,omitempty"`
	Region     string `json:"region,omitempty"`
	ConnectURL string `json:"connectUrl"`
}
