package models

import "time"

// Context represents a persistent browser profile stored by the upstream
// provisioning service. Pools can be configured to provision every browser
// from a context so cookies and storage survive recycling.
type Context struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CreateContextRequest is the payload for creating a context
type CreateContextRequest struct {
	ProjectID string `json:"projectId"`
}
